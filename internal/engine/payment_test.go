package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/vtc-dispatch/internal/models"
	"github.com/example/vtc-dispatch/internal/payments"
)

func reserveAndInitiate(t *testing.T, r *rig, courseID, driverID string) *CheckoutInfo {
	t.Helper()
	if _, err := r.eng.Reserve(context.Background(), courseID, driverID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	info, err := r.eng.InitiatePayment(context.Background(), courseID, driverID, "")
	if err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	return info
}

func TestInitiatePayment(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)

	info := reserveAndInitiate(t, r, "c1", "d1")
	if info.Amount != 6.90 || info.Currency != "eur" {
		t.Fatalf("checkout = %+v", info)
	}
	if !strings.HasPrefix(info.CheckoutURL, "https://pay.example/") {
		t.Fatalf("CheckoutURL = %q", info.CheckoutURL)
	}

	sess, err := r.gw.GetSession(context.Background(), info.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AmountTotal != 690 {
		t.Fatalf("AmountTotal = %d, want 690", sess.AmountTotal)
	}
	if sess.Metadata["course_id"] != "c1" || sess.Metadata["driver_id"] != "d1" {
		t.Fatalf("metadata = %v", sess.Metadata)
	}

	p, err := r.st.GetPaymentBySession(context.Background(), info.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PaymentPending || p.Amount != 6.90 {
		t.Fatalf("payment record = %+v", p)
	}

	// The course stays RESERVED until the payment confirms.
	c, _ := r.st.GetCourse(context.Background(), "c1")
	if c.Status != models.StatusReserved {
		t.Fatalf("status = %s, want RESERVED", c.Status)
	}
}

func TestInitiatePaymentRequiresHold(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	r.addDriver(t, "d2", true)

	// No hold at all.
	if _, err := r.eng.InitiatePayment(context.Background(), "c1", "d1", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("no hold: err = %v, want ErrConflict", err)
	}

	if _, err := r.eng.Reserve(context.Background(), "c1", "d1"); err != nil {
		t.Fatal(err)
	}
	// Someone other than the holder.
	if _, err := r.eng.InitiatePayment(context.Background(), "c1", "d2", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("non-holder: err = %v, want ErrConflict", err)
	}
}

func TestInitiatePaymentAfterWindowElapsed(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)

	if _, err := r.eng.Reserve(context.Background(), "c1", "d1"); err != nil {
		t.Fatal(err)
	}
	r.clock.advance(4 * time.Minute)

	// The ex-holder gets the distinct expired error, and the read path
	// sweeps the course back to OPEN.
	if _, err := r.eng.InitiatePayment(context.Background(), "c1", "d1", ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	c, _ := r.st.GetCourse(context.Background(), "c1")
	if c.Status != models.StatusOpen {
		t.Fatalf("status = %s, want OPEN after sweep", c.Status)
	}
}

func TestInitiatePaymentBelowMinimumCharge(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 4) // 10% commission is 0.40, under the 0.50 floor
	r.addDriver(t, "d1", true)
	if _, err := r.eng.Reserve(context.Background(), "c1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.eng.InitiatePayment(context.Background(), "c1", "d1", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestInitiatePaymentWithoutGateway(t *testing.T) {
	r := newRig(t)
	r.eng.gateway = nil
	if _, err := r.eng.InitiatePayment(context.Background(), "c1", "d1", ""); !errors.Is(err, ErrGatewayUnconfigured) {
		t.Fatalf("err = %v, want ErrGatewayUnconfigured", err)
	}
}

func TestFinalizeAssignsAndReplaysAreNoOps(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	info := reserveAndInitiate(t, r, "c1", "d1")
	r.gw.pay(info.SessionID)

	if err := r.eng.FinalizeAttribution(context.Background(), "c1", "d1", info.SessionID, "pi_x"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	c, _ := r.st.GetCourse(context.Background(), "c1")
	if c.Status != models.StatusAssigned || c.AssignedDriverID != "d1" {
		t.Fatalf("course = %+v", c)
	}
	if !c.CommissionPaid || c.CommissionPaidAt == nil || c.AssignedAt == nil {
		t.Fatalf("payment facts missing: %+v", c)
	}
	if c.ReservedByDriverID != "" || c.ReservedUntil != nil {
		t.Fatalf("reservation fields not cleared: %+v", c)
	}
	p, _ := r.st.GetPaymentBySession(context.Background(), info.SessionID)
	if p.Status != models.PaymentPaid {
		t.Fatalf("payment status = %s", p.Status)
	}
	assignedNotifs := r.notif.count("subcontract_course_assigned")
	if assignedNotifs != 2 { // driver + admin
		t.Fatalf("assignment notifications = %d, want 2", assignedNotifs)
	}

	// Replays from the webhook and polling paths change nothing.
	for i := 0; i < 3; i++ {
		if err := r.eng.FinalizeAttribution(context.Background(), "c1", "d1", info.SessionID, "pi_x"); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if got := r.notif.count("subcontract_course_assigned"); got != assignedNotifs {
		t.Fatalf("replays produced notifications: %d -> %d", assignedNotifs, got)
	}
}

func TestFinalizeBeatsExpiredTimer(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	info := reserveAndInitiate(t, r, "c1", "d1")
	r.gw.pay(info.SessionID)

	// The hold elapsed, and the sweep even ran, but nobody else took the
	// course: the confirmed payment still wins.
	r.clock.advance(10 * time.Minute)
	if _, err := r.eng.SweptCourse(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := r.eng.FinalizeAttribution(context.Background(), "c1", "d1", info.SessionID, "pi_x"); err != nil {
		t.Fatalf("finalize after expiry: %v", err)
	}
	c, _ := r.st.GetCourse(context.Background(), "c1")
	if c.Status != models.StatusAssigned || c.AssignedDriverID != "d1" {
		t.Fatalf("course = %+v", c)
	}
}

func TestFinalizeRefundNeededWhenCourseLost(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	r.addDriver(t, "d2", true)

	// d1 holds and opens a checkout but stalls past the window.
	infoA := reserveAndInitiate(t, r, "c1", "d1")
	r.clock.advance(4 * time.Minute)

	// d2 takes the course and pays first.
	infoB := reserveAndInitiate(t, r, "c1", "d2")
	r.gw.pay(infoB.SessionID)
	if err := r.eng.FinalizeAttribution(context.Background(), "c1", "d2", infoB.SessionID, "pi_b"); err != nil {
		t.Fatal(err)
	}

	// d1's payment then confirms: refund investigation, not reassignment.
	r.gw.pay(infoA.SessionID)
	err := r.eng.FinalizeAttribution(context.Background(), "c1", "d1", infoA.SessionID, "pi_a")
	if !errors.Is(err, ErrRefundInvestigation) {
		t.Fatalf("err = %v, want ErrRefundInvestigation", err)
	}

	c, _ := r.st.GetCourse(context.Background(), "c1")
	if c.AssignedDriverID != "d2" {
		t.Fatalf("assignment moved: %+v", c)
	}
	p, _ := r.st.GetPaymentBySession(context.Background(), infoA.SessionID)
	if p.Status != models.PaymentRefundNeeded {
		t.Fatalf("losing payment status = %s, want refund_needed", p.Status)
	}
	if r.notif.count("commission_refund_needed") != 1 {
		t.Fatal("admin refund notification missing")
	}
}

func TestFinalizeRefundNeededOnCancelledCourse(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	info := reserveAndInitiate(t, r, "c1", "d1")

	if _, err := r.eng.Cancel(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	r.gw.pay(info.SessionID)
	err := r.eng.FinalizeAttribution(context.Background(), "c1", "d1", info.SessionID, "pi_x")
	if !errors.Is(err, ErrRefundInvestigation) {
		t.Fatalf("err = %v, want ErrRefundInvestigation", err)
	}
}

func TestCheckPaymentStatus(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	info := reserveAndInitiate(t, r, "c1", "d1")

	res, err := r.eng.CheckPaymentStatus(context.Background(), info.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Assigned || res.PaymentStatus != "unpaid" {
		t.Fatalf("unpaid poll = %+v", res)
	}

	r.gw.pay(info.SessionID)
	res, err = r.eng.CheckPaymentStatus(context.Background(), info.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Assigned || res.CourseID != "c1" || res.DriverID != "d1" {
		t.Fatalf("paid poll = %+v", res)
	}
	c, _ := r.st.GetCourse(context.Background(), "c1")
	if c.Status != models.StatusAssigned {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestCheckPaymentStatusUnknownSession(t *testing.T) {
	r := newRig(t)
	if _, err := r.eng.CheckPaymentStatus(context.Background(), "cs_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHandleWebhookEvent(t *testing.T) {
	r := newRig(t)
	r.addCourse(t, "c1", 69)
	r.addDriver(t, "d1", true)
	info := reserveAndInitiate(t, r, "c1", "d1")
	r.gw.pay(info.SessionID)
	sess, _ := r.gw.GetSession(context.Background(), info.SessionID)

	// Irrelevant event types are acknowledged without effect.
	if err := r.eng.HandleWebhookEvent(context.Background(), &payments.WebhookEvent{Type: "payment_intent.created"}); err != nil {
		t.Fatalf("ignored event: %v", err)
	}

	ev := &payments.WebhookEvent{Type: "checkout.session.completed", Session: *sess}
	if err := r.eng.HandleWebhookEvent(context.Background(), ev); err != nil {
		t.Fatalf("webhook finalize: %v", err)
	}
	c, _ := r.st.GetCourse(context.Background(), "c1")
	if c.Status != models.StatusAssigned || c.AssignedDriverID != "d1" {
		t.Fatalf("course = %+v", c)
	}

	// Duplicate delivery is harmless.
	if err := r.eng.HandleWebhookEvent(context.Background(), ev); err != nil {
		t.Fatalf("duplicate webhook: %v", err)
	}
}

func TestHandleWebhookEventMissingMetadata(t *testing.T) {
	r := newRig(t)
	ev := &payments.WebhookEvent{
		Type:    "checkout.session.completed",
		Session: payments.CheckoutSession{ID: "cs_x", PaymentStatus: "paid"},
	}
	if err := r.eng.HandleWebhookEvent(context.Background(), ev); err == nil {
		t.Fatal("expected error for missing course/driver metadata")
	}
}
