package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/vtc-dispatch/internal/models"
	"github.com/example/vtc-dispatch/internal/observability"
	"github.com/example/vtc-dispatch/internal/payments"
	"github.com/example/vtc-dispatch/internal/store"
)

// CheckoutInfo is what a driver needs to complete the commission payment.
type CheckoutInfo struct {
	CheckoutURL string  `json:"checkout_url"`
	SessionID   string  `json:"session_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
}

// InitiatePayment opens a commission checkout for the driver currently
// holding the course. The course stays RESERVED; only a confirmed payment
// moves it on. originURL anchors the provider's redirect pages; when empty
// the configured frontend URL is used.
func (e *Engine) InitiatePayment(ctx context.Context, courseID, driverID, originURL string) (*CheckoutInfo, error) {
	if e.gateway == nil {
		return nil, ErrGatewayUnconfigured
	}
	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, notFound("driver", driverID, err)
	}
	if !d.IsActive {
		return nil, fmt.Errorf("%w: driver account is not active", ErrForbidden)
	}
	c, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, notFound("course", courseID, err)
	}
	now := e.now().UTC()
	if c.Status == models.StatusReserved && c.ReservedByDriverID == driverID &&
		c.ReservedUntil != nil && !c.ReservedUntil.After(now) {
		// The caller held the course but the window elapsed; distinct
		// error so the client knows to re-reserve rather than retry.
		if _, err := e.SweptCourse(ctx, courseID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reservation window elapsed, reserve again", ErrExpired)
	}
	if c.Status != models.StatusReserved || c.ReservedByDriverID != driverID {
		return nil, fmt.Errorf("%w: course is not reserved by you", ErrConflict)
	}

	amount := models.CommissionFor(c.PriceTotal, c.CommissionRate)
	if amount < e.cfg.CommissionFloor {
		return nil, fmt.Errorf("%w: commission %.2f below the %.2f minimum charge", ErrValidation, amount, e.cfg.CommissionFloor)
	}

	base := strings.TrimRight(originURL, "/")
	if base == "" {
		base = strings.TrimRight(e.cfg.FrontendURL, "/")
	}
	metadata := map[string]string{
		"type":      "commission_payment",
		"course_id": courseID,
		"driver_id": driverID,
	}
	if tokens, err := e.store.ClaimTokensByCourse(ctx, courseID); err == nil {
		for _, t := range tokens {
			if !t.Expired(now) {
				metadata["claim_token"] = t.Token
				break
			}
		}
	}
	sess, err := e.gateway.CreateSession(ctx, payments.CreateSessionParams{
		AmountCents: models.Cents(amount),
		Currency:    e.cfg.Currency,
		Description: fmt.Sprintf("Commission course du %s %s", c.Date, c.Time),
		Metadata:    metadata,
		SuccessURL:  base + "/subcontracting/payment-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   base + "/subcontracting/payment-cancelled",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	payment := &models.CommissionPayment{
		ID:        uuid.NewString(),
		CourseID:  courseID,
		DriverID:  driverID,
		Provider:  "stripe",
		SessionID: sess.ID,
		Amount:    amount,
		Currency:  e.cfg.Currency,
		Status:    models.PaymentPending,
		CreatedAt: now,
	}
	if err := e.store.InsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	observability.PaymentsInitiatedTotal.Inc()
	e.log.Info("commission payment initiated",
		"course_id", courseID, "driver_id", driverID, "session_id", sess.ID, "amount", amount)
	e.publish(models.CourseEvent{Type: models.EventPaymentInitiated, CourseID: courseID, DriverID: driverID, Status: c.Status, Detail: sess.ID, At: now})
	return &CheckoutInfo{CheckoutURL: sess.URL, SessionID: sess.ID, Amount: amount, Currency: e.cfg.Currency}, nil
}

// FinalizeAttribution is the single idempotent choke point turning a
// confirmed payment into an assignment. It trusts payment success, not the
// reservation timer: the course is assigned as long as nobody else owns it,
// even if the hold technically elapsed. Safe under concurrent replay from
// the polling and webhook paths.
func (e *Engine) FinalizeAttribution(ctx context.Context, courseID, driverID, sessionID, providerPaymentID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := e.store.GetCourse(ctx, courseID)
		if err != nil {
			return notFound("course", courseID, err)
		}
		switch c.Status {
		case models.StatusAssigned, models.StatusDone:
			if c.AssignedDriverID == driverID {
				// Replay, or recovery from a crash between the course and
				// payment updates: make sure the payment record caught up.
				e.markPaymentPaid(ctx, sessionID, providerPaymentID, courseID, driverID, false)
				return nil
			}
			return e.flagRefundNeeded(ctx, c, driverID, sessionID)
		case models.StatusCancelled:
			return e.flagRefundNeeded(ctx, c, driverID, sessionID)
		}

		now := e.now().UTC()
		lc := models.LifecycleOf(c)
		lc.Status = models.StatusAssigned
		lc.AssignedDriverID = driverID
		lc.AssignedAt = &now
		lc.ReservedByDriverID = ""
		lc.ReservedUntil = nil
		lc.CommissionAmount = models.CommissionFor(c.PriceTotal, c.CommissionRate)
		lc.CommissionPaid = true
		lc.CommissionPaidAt = &now
		updated, swapped, err := e.store.CompareAndSwapCourse(ctx, courseID,
			store.CourseCond{AnyStatus: []models.CourseStatus{models.StatusOpen, models.StatusReserved}}, lc)
		if err != nil {
			return fmt.Errorf("finalize course %s: %w", courseID, err)
		}
		if !swapped {
			// The course moved under us; loop to re-evaluate the new state.
			continue
		}

		observability.PaymentsFinalizedTotal.Inc()
		e.markPaymentPaid(ctx, sessionID, providerPaymentID, courseID, driverID, true)
		e.log.Info("course assigned", "course_id", courseID, "driver_id", driverID, "session_id", sessionID, "commission", lc.CommissionAmount)
		e.publish(models.CourseEvent{Type: models.EventCourseAssigned, CourseID: courseID, DriverID: driverID, Status: updated.Status, Detail: sessionID, At: now})
		e.broadcast(updated)

		payload := map[string]any{
			"course_id":         courseID,
			"date":              c.Date,
			"time":              c.Time,
			"commission_amount": fmt.Sprintf("%.2f", lc.CommissionAmount),
		}
		if d, err := e.store.GetDriver(ctx, driverID); err == nil {
			payload["driver_name"] = d.DisplayName()
			driverPayload := map[string]any{"to": d.Email}
			for k, v := range payload {
				driverPayload[k] = v
			}
			e.notifier.Notify(ctx, "subcontract_course_assigned", driverPayload)
		}
		e.notifyAdmin(ctx, "subcontract_course_assigned", payload)
		return nil
	}
	return fmt.Errorf("%w: course state kept changing during finalization", ErrConflict)
}

// markPaymentPaid is idempotent: only the first call transitions the
// record, replays are no-ops. notifyOnTransition gates the payment event.
func (e *Engine) markPaymentPaid(ctx context.Context, sessionID, providerPaymentID, courseID, driverID string, notifyOnTransition bool) {
	transitioned, err := e.store.MarkPaymentPaid(ctx, sessionID, providerPaymentID, e.now().UTC())
	if err != nil {
		e.log.Error("mark payment paid failed",
			"session_id", sessionID, "course_id", courseID, "driver_id", driverID, "error", err)
		return
	}
	if transitioned && notifyOnTransition {
		e.publish(models.CourseEvent{Type: models.EventPaymentFinalized, CourseID: courseID, DriverID: driverID, Detail: sessionID, At: e.now().UTC()})
	}
}

// flagRefundNeeded records the cross-driver payment race: a confirmed
// payment whose course is no longer attributable to the payer. Policy is
// manual reconciliation: the payment is marked refund_needed and surfaced
// through the log, the metric, the event stream and an admin notification.
func (e *Engine) flagRefundNeeded(ctx context.Context, c *models.Course, driverID, sessionID string) error {
	if err := e.store.MarkPaymentStatus(ctx, sessionID, models.PaymentRefundNeeded); err != nil {
		e.log.Error("mark payment refund_needed failed", "session_id", sessionID, "error", err)
	}
	observability.RefundInvestigationsTotal.Inc()
	e.log.Error("refund needed: payment confirmed for unavailable course",
		"course_id", c.ID, "driver_id", driverID, "session_id", sessionID,
		"course_status", string(c.Status), "assigned_driver_id", c.AssignedDriverID)
	e.publish(models.CourseEvent{Type: models.EventRefundNeeded, CourseID: c.ID, DriverID: driverID, Status: c.Status, Detail: sessionID, At: e.now().UTC()})
	e.notifyAdmin(ctx, "commission_refund_needed", map[string]any{
		"course_id":  c.ID,
		"driver_id":  driverID,
		"session_id": sessionID,
	})
	return fmt.Errorf("%w: course %s is %s", ErrRefundInvestigation, c.ID, strings.ToLower(string(c.Status)))
}

// PaymentStatusResult is the outcome of one poll of a checkout session.
type PaymentStatusResult struct {
	SessionID     string  `json:"session_id"`
	PaymentStatus string  `json:"payment_status"`
	CourseID      string  `json:"course_id"`
	DriverID      string  `json:"driver_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Assigned      bool    `json:"assigned"`
	RefundNeeded  bool    `json:"refund_needed"`
}

// CheckPaymentStatus polls the gateway and finalizes on paid. Idempotent
// and safe to call redundantly; it races harmlessly with the webhook.
func (e *Engine) CheckPaymentStatus(ctx context.Context, sessionID string) (*PaymentStatusResult, error) {
	p, err := e.store.GetPaymentBySession(ctx, sessionID)
	if err != nil {
		return nil, notFound("payment", sessionID, err)
	}
	if e.gateway == nil {
		return nil, ErrGatewayUnconfigured
	}
	sess, err := e.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	res := &PaymentStatusResult{
		SessionID:     sessionID,
		PaymentStatus: sess.PaymentStatus,
		CourseID:      p.CourseID,
		DriverID:      p.DriverID,
		Amount:        p.Amount,
		Currency:      p.Currency,
	}
	if sess.PaymentStatus != "paid" {
		return res, nil
	}
	switch err := e.FinalizeAttribution(ctx, p.CourseID, p.DriverID, sessionID, sess.PaymentIntentID); {
	case err == nil:
		res.Assigned = true
	case isRefundInvestigation(err):
		res.RefundNeeded = true
	default:
		return nil, err
	}
	return res, nil
}

// VerifyPayment has the same semantics as CheckPaymentStatus; it backs the
// post-checkout redirect page while the other backs background polling.
func (e *Engine) VerifyPayment(ctx context.Context, sessionID string) (*PaymentStatusResult, error) {
	return e.CheckPaymentStatus(ctx, sessionID)
}

// HandleWebhookEvent processes a gateway push. Gateways redeliver, so the
// whole path is idempotent; errors bubble up for logging but the HTTP
// layer still acknowledges with 200 to stop retry storms.
func (e *Engine) HandleWebhookEvent(ctx context.Context, ev *payments.WebhookEvent) error {
	observability.WebhookEventsTotal.Inc()
	if ev.Type != "checkout.session.completed" {
		return nil
	}
	sess := ev.Session
	if sess.PaymentStatus != "paid" {
		e.log.Info("webhook session completed but unpaid", "session_id", sess.ID, "payment_status", sess.PaymentStatus)
		return nil
	}
	courseID := sess.Metadata["course_id"]
	driverID := sess.Metadata["driver_id"]
	if courseID == "" || driverID == "" {
		return fmt.Errorf("webhook session %s missing course/driver metadata", sess.ID)
	}
	if err := e.FinalizeAttribution(ctx, courseID, driverID, sess.ID, sess.PaymentIntentID); err != nil {
		return fmt.Errorf("webhook finalize session %s: %w", sess.ID, err)
	}
	return nil
}

func isRefundInvestigation(err error) bool {
	return errors.Is(err, ErrRefundInvestigation)
}
