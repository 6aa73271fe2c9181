package engine

import (
	"context"
	"fmt"

	"github.com/example/vtc-dispatch/internal/models"
	"github.com/example/vtc-dispatch/internal/store"
)

// ResetToOpen is the admin override putting a course back on the market.
// A paid commission blocks the reset: the refund has to happen first.
func (e *Engine) ResetToOpen(ctx context.Context, courseID string) (*models.Course, error) {
	c, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, notFound("course", courseID, err)
	}
	if c.CommissionPaid {
		return nil, fmt.Errorf("%w: commission already paid, refund it before reopening", ErrValidation)
	}
	lc := models.OpenLifecycle(c)
	lc.CommissionAmount = models.CommissionFor(c.PriceTotal, c.CommissionRate)
	updated, swapped, err := e.store.CompareAndSwapCourse(ctx, courseID,
		store.CourseCond{AnyStatus: []models.CourseStatus{c.Status}}, lc)
	if err != nil {
		return nil, fmt.Errorf("reset course %s: %w", courseID, err)
	}
	if !swapped {
		return nil, fmt.Errorf("%w: course state changed, retry", ErrConflict)
	}
	e.log.Info("course reset to open", "course_id", courseID, "previous_status", string(c.Status))
	e.broadcast(updated)
	return updated, nil
}

// Cancel is the admin-initiated cancellation.
func (e *Engine) Cancel(ctx context.Context, courseID string) (*models.Course, error) {
	return e.cancel(ctx, courseID, models.CancelReasonAdmin, false)
}

// MarkDone closes out an assigned course.
func (e *Engine) MarkDone(ctx context.Context, courseID string) (*models.Course, error) {
	c, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, notFound("course", courseID, err)
	}
	if c.Status != models.StatusAssigned {
		return nil, fmt.Errorf("%w: only an assigned course can be marked done", ErrConflict)
	}
	lc := models.LifecycleOf(c)
	lc.Status = models.StatusDone
	updated, swapped, err := e.store.CompareAndSwapCourse(ctx, courseID,
		store.CourseCond{AnyStatus: []models.CourseStatus{models.StatusAssigned}}, lc)
	if err != nil {
		return nil, fmt.Errorf("mark done course %s: %w", courseID, err)
	}
	if !swapped {
		return nil, fmt.Errorf("%w: course is no longer assigned", ErrConflict)
	}
	e.publish(models.CourseEvent{Type: models.EventCourseDone, CourseID: courseID, DriverID: updated.AssignedDriverID, Status: updated.Status, At: e.now().UTC()})
	return updated, nil
}

// DriverCancel lets the assigned driver back out. Inside the late window
// the cancellation counts against the driver and, at the limit, deactivates
// the account. The paid commission is never auto-refunded.
func (e *Engine) DriverCancel(ctx context.Context, courseID, driverID string) (*models.Course, error) {
	c, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, notFound("course", courseID, err)
	}
	if c.Status != models.StatusAssigned || c.AssignedDriverID != driverID {
		return nil, fmt.Errorf("%w: course is not assigned to you", ErrForbidden)
	}
	late := e.isLate(c)
	reason := models.CancelReasonDriver
	if late {
		reason = models.CancelReasonDriverLate
	}
	updated, err := e.cancelFrom(ctx, c, reason)
	if err != nil {
		return nil, err
	}

	d, derr := e.store.GetDriver(ctx, driverID)
	if derr == nil {
		payload := map[string]any{"course_id": courseID, "date": c.Date, "driver_name": d.DisplayName()}
		e.notifyAdmin(ctx, "course_cancelled_driver", payload)
		if late {
			d.LateCancellationCount++
			deactivated := false
			if d.LateCancellationCount >= e.cfg.LateCancelLimit && d.IsActive {
				d.IsActive = false
				deactivated = true
			}
			if err := e.store.UpdateDriver(ctx, d); err != nil {
				e.log.Error("late cancellation bookkeeping failed", "driver_id", driverID, "error", err)
			} else if deactivated {
				e.log.Warn("driver deactivated after repeated late cancellations",
					"driver_id", driverID, "late_cancellations", d.LateCancellationCount)
				e.notifyAdmin(ctx, "driver_deactivated", map[string]any{
					"driver_name":        d.DisplayName(),
					"late_cancellations": d.LateCancellationCount,
				})
				e.notifier.Notify(ctx, "driver_deactivated", map[string]any{
					"to":                 d.Email,
					"driver_name":        d.DisplayName(),
					"late_cancellations": d.LateCancellationCount,
				})
			}
		}
	}
	return updated, nil
}

// ClientCancel cancels on behalf of the client from any live state. When a
// driver already owned the course they are notified.
func (e *Engine) ClientCancel(ctx context.Context, courseID string) (*models.Course, error) {
	return e.cancel(ctx, courseID, models.CancelReasonClient, true)
}

func (e *Engine) cancel(ctx context.Context, courseID, reason string, clientSide bool) (*models.Course, error) {
	c, err := e.SweptCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.StatusDone, models.StatusCancelled:
		return nil, fmt.Errorf("%w: course is already %s", ErrConflict, c.Status)
	}
	if clientSide && reason == models.CancelReasonClient && e.isLate(c) {
		reason = models.CancelReasonClientLate
	}
	wasAssignedTo := c.AssignedDriverID
	updated, err := e.cancelFrom(ctx, c, reason)
	if err != nil {
		return nil, err
	}
	if clientSide && wasAssignedTo != "" {
		if d, derr := e.store.GetDriver(ctx, wasAssignedTo); derr == nil {
			e.notifier.Notify(ctx, "course_cancelled_client", map[string]any{
				"to":        d.Email,
				"course_id": courseID,
				"date":      c.Date,
			})
		}
		e.notifyAdmin(ctx, "course_cancelled_client", map[string]any{"course_id": courseID, "date": c.Date})
	}
	return updated, nil
}

func (e *Engine) cancelFrom(ctx context.Context, c *models.Course, reason string) (*models.Course, error) {
	lc := models.LifecycleOf(c)
	lc.Status = models.StatusCancelled
	lc.ReservedByDriverID = ""
	lc.ReservedUntil = nil
	lc.CancelReason = reason
	updated, swapped, err := e.store.CompareAndSwapCourse(ctx, c.ID,
		store.CourseCond{AnyStatus: []models.CourseStatus{c.Status}}, lc)
	if err != nil {
		return nil, fmt.Errorf("cancel course %s: %w", c.ID, err)
	}
	if !swapped {
		return nil, fmt.Errorf("%w: course state changed, retry", ErrConflict)
	}
	e.log.Info("course cancelled", "course_id", c.ID, "reason", reason)
	e.publish(models.CourseEvent{Type: models.EventCourseCancelled, CourseID: c.ID, DriverID: updated.AssignedDriverID, Status: updated.Status, Detail: reason, At: e.now().UTC()})
	e.broadcast(updated)
	return updated, nil
}

// isLate reports whether the pickup is inside the late-cancellation window.
// An unparseable pickup datetime counts as not late.
func (e *Engine) isLate(c *models.Course) bool {
	pickup, err := c.PickupTime()
	if err != nil {
		e.log.Warn("unparseable pickup datetime", "course_id", c.ID, "error", err)
		return false
	}
	return pickup.Sub(e.now().UTC()) < e.cfg.LateCancelWindow
}
