package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/vtc-dispatch/internal/engine"
	"github.com/example/vtc-dispatch/internal/observability"
)

func (s *Server) handleClaimView(w http.ResponseWriter, r *http.Request) {
	view, err := s.claims.Resolve(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleClaimReserve(w http.ResponseWriter, r *http.Request) {
	courseID, err := s.claims.Authorize(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d := driverFromContext(r.Context())
	c, err := s.engine.Reserve(r.Context(), courseID, d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         c.Status,
		"reserved_until": c.ReservedUntil,
	})
}

func (s *Server) handleClaimPay(w http.ResponseWriter, r *http.Request) {
	courseID, err := s.claims.Authorize(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d := driverFromContext(r.Context())
	info, err := s.engine.InitiatePayment(r.Context(), courseID, d.ID, r.Header.Get("Origin"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CheckPaymentStatus(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeDetail(w, http.StatusBadRequest, "session_id is required")
		return
	}
	res, err := s.engine.VerifyPayment(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{
		"success":        res.Assigned,
		"payment_status": res.PaymentStatus,
		"course_id":      res.CourseID,
	}
	switch {
	case res.Assigned:
		out["message"] = "Paiement confirmé, la course vous est attribuée."
	case res.RefundNeeded:
		out["message"] = "Paiement reçu mais la course n'est plus disponible. Vous serez remboursé."
	default:
		out["message"] = "Paiement non confirmé pour le moment."
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePaymentWebhook acknowledges with 200 even when internal processing
// fails, to keep the gateway from redelivering forever. Failures stay
// visible through the error log and the webhook failure counter. Only a
// bad signature is a 400.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeDetail(w, http.StatusServiceUnavailable, "payment gateway not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "unreadable payload")
		return
	}
	ev, err := s.gateway.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.logger.Warn("webhook signature rejected", "error", err)
		writeDetail(w, http.StatusBadRequest, "invalid webhook signature")
		return
	}
	if err := s.engine.HandleWebhookEvent(r.Context(), ev); err != nil {
		observability.WebhookFailuresTotal.Inc()
		s.logger.Error("webhook processing failed",
			"type", ev.Type,
			"session_id", ev.Session.ID,
			"course_id", ev.Session.Metadata["course_id"],
			"driver_id", ev.Session.Metadata["driver_id"],
			"error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClaimWatch upgrades a claim page to a live socket fed by the
// engine's broadcasts.
func (s *Server) handleClaimWatch(w http.ResponseWriter, r *http.Request) {
	courseID, err := s.claims.Authorize(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.watch == nil {
		writeDetail(w, http.StatusServiceUnavailable, "claim watch not available")
		return
	}
	c, err := s.engine.SweptCourse(r.Context(), courseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.watch.Add(courseID, conn)
	_ = sess.Send(engine.ClaimUpdateFor(c, s.claims.Now().UTC()))
	go func() {
		defer func() {
			s.watch.Remove(courseID, sess)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
