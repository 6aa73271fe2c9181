package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/vtc-dispatch/internal/models"
)

func assignCourse(t *testing.T, r *rig, courseID, driverID string) {
	t.Helper()
	info := reserveAndInitiate(t, r, courseID, driverID)
	r.gw.pay(info.SessionID)
	if err := r.eng.FinalizeAttribution(context.Background(), courseID, driverID, info.SessionID, "pi_x"); err != nil {
		t.Fatalf("assign %s to %s: %v", courseID, driverID, err)
	}
}

func TestResetToOpenClearsHold(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	if _, err := r.eng.Reserve(context.Background(), "c1", "d1"); err != nil {
		t.Fatal(err)
	}
	c, err := r.eng.ResetToOpen(context.Background(), "c1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if c.Status != models.StatusOpen || c.ReservedByDriverID != "" || c.ReservedUntil != nil {
		t.Fatalf("course = %+v", c)
	}
}

func TestResetToOpenRefusesPaidCourse(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	assignCourse(t, r, "c1", "d1")

	if _, err := r.eng.ResetToOpen(context.Background(), "c1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	c, _ := r.st.GetCourse(context.Background(), "c1")
	if c.Status != models.StatusAssigned {
		t.Fatalf("paid course was reopened: %s", c.Status)
	}
}

func TestMarkDoneRequiresAssignment(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	if _, err := r.eng.MarkDone(context.Background(), "c1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("open course: err = %v, want ErrConflict", err)
	}

	r.addDriver(t, "d1", true)
	assignCourse(t, r, "c1", "d1")
	c, err := r.eng.MarkDone(context.Background(), "c1")
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if c.Status != models.StatusDone {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestAdminCancelRecordsReason(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	c, err := r.eng.Cancel(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.StatusCancelled || c.CancelReason != models.CancelReasonAdmin {
		t.Fatalf("course = %+v", c)
	}
	// Terminal states refuse further cancellation.
	if _, err := r.eng.Cancel(context.Background(), "c1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("double cancel err = %v, want ErrConflict", err)
	}
}

func TestDriverCancelRequiresOwnership(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	r.addDriver(t, "d2", true)
	assignCourse(t, r, "c1", "d1")

	if _, err := r.eng.DriverCancel(context.Background(), "c1", "d2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestDriverCancelOutsideWindowIsNotLate(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69) // pickup next day, clock at 10:00 the day before
	r.addDriver(t, "d1", true)
	assignCourse(t, r, "c1", "d1")

	c, err := r.eng.DriverCancel(context.Background(), "c1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if c.CancelReason != models.CancelReasonDriver {
		t.Fatalf("reason = %s, want driver", c.CancelReason)
	}
	d, _ := r.st.GetDriver(context.Background(), "d1")
	if d.LateCancellationCount != 0 || !d.IsActive {
		t.Fatalf("driver penalized for a timely cancellation: %+v", d)
	}
}

func TestRepeatedLateCancellationsDeactivate(t *testing.T) {
	r := newRig(t)
	r.addDriver(t, "d1", true)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		r.addCourse(t, id, 69)
		assignCourse(t, r, id, "d1")

		// Move the clock to 30 minutes before pickup (2026-09-02 09:00).
		pickup := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
		r.clock.mu.Lock()
		r.clock.t = pickup.Add(-30 * time.Minute)
		r.clock.mu.Unlock()

		c, err := r.eng.DriverCancel(context.Background(), id, "d1")
		if err != nil {
			t.Fatalf("late cancel %d: %v", i, err)
		}
		if c.CancelReason != models.CancelReasonDriverLate {
			t.Fatalf("cancel %d reason = %s, want driver_late", i, c.CancelReason)
		}

		d, _ := r.st.GetDriver(context.Background(), "d1")
		if d.LateCancellationCount != i {
			t.Fatalf("late count = %d, want %d", d.LateCancellationCount, i)
		}
		wantActive := i < 3
		if d.IsActive != wantActive {
			t.Fatalf("after cancel %d: IsActive = %v, want %v", i, d.IsActive, wantActive)
		}

		// Rewind so the next course can be reserved and paid again.
		r.clock.mu.Lock()
		r.clock.t = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
		r.clock.mu.Unlock()
	}

	if r.notif.count("driver_deactivated") < 2 { // admin + driver copies
		t.Fatal("deactivation notifications missing")
	}
}

func TestClientCancelNotifiesAssignedDriver(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	assignCourse(t, r, "c1", "d1")

	c, err := r.eng.ClientCancel(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.StatusCancelled || c.CancelReason != models.CancelReasonClient {
		t.Fatalf("course = %+v", c)
	}
	if r.notif.count("course_cancelled_client") < 2 { // driver + admin
		t.Fatal("client-cancel notifications missing")
	}
}

func TestClientCancelOnOpenCourse(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	c, err := r.eng.ClientCancel(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.StatusCancelled {
		t.Fatalf("status = %s", c.Status)
	}
}
