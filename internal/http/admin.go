package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/vtc-dispatch/internal/documents"
	"github.com/example/vtc-dispatch/internal/engine"
	"github.com/example/vtc-dispatch/internal/models"
	"github.com/example/vtc-dispatch/internal/notify"
)

func (s *Server) handleAdminCreateCourse(w http.ResponseWriter, r *http.Request) {
	var in engine.CourseInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	c, err := s.engine.CreateCourse(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.claims.Issue(r.Context(), c.ID, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claimURL := fmt.Sprintf("%s/subcontracting/claim/%s", s.cfg.FrontendURL, t.Token)
	s.engine.Notify(r.Context(), notify.EventCourseCreated, map[string]any{
		"to":        s.cfg.AdminEmail,
		"course_id": c.ID,
		"date":      c.Date,
		"time":      c.Time,
		"claim_url": claimURL,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"course":      c,
		"claim_token": t.Token,
		"claim_url":   claimURL,
		"expires_at":  t.ExpiresAt,
	})
}

func (s *Server) handleAdminListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.store.ListCourses(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, courses)
}

// handleAdminGetCourse returns the course after the lazy expiry sweep,
// enriched with its drivers, claim tokens and payment attempts.
func (s *Server) handleAdminGetCourse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := s.engine.SweptCourse(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{"course": c}
	if c.AssignedDriverID != "" {
		if d, err := s.store.GetDriver(r.Context(), c.AssignedDriverID); err == nil {
			out["assigned_driver"] = d
		}
	}
	if c.ReservedByDriverID != "" {
		if d, err := s.store.GetDriver(r.Context(), c.ReservedByDriverID); err == nil {
			out["reserved_by_driver"] = d
		}
	}
	if tokens, err := s.store.ClaimTokensByCourse(r.Context(), id); err == nil {
		out["claim_tokens"] = tokens
	}
	if payments, err := s.store.PaymentsByCourse(r.Context(), id); err == nil {
		out["payments"] = payments
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminResetToOpen(w http.ResponseWriter, r *http.Request) {
	s.adminLifecycle(w, r, s.engine.ResetToOpen)
}

func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	s.adminLifecycle(w, r, s.engine.Cancel)
}

func (s *Server) handleAdminClientCancel(w http.ResponseWriter, r *http.Request) {
	s.adminLifecycle(w, r, s.engine.ClientCancel)
}

func (s *Server) handleAdminMarkDone(w http.ResponseWriter, r *http.Request) {
	s.adminLifecycle(w, r, s.engine.MarkDone)
}

func (s *Server) adminLifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*models.Course, error)) {
	c, err := op(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAdminRegenerateToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.claims.Regenerate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claim_token": t.Token,
		"claim_url":   fmt.Sprintf("%s/subcontracting/claim/%s", s.cfg.FrontendURL, t.Token),
		"expires_at":  t.ExpiresAt,
	})
}

func (s *Server) handleAdminCommissionInvoice(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCourse(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !c.CommissionPaid || c.AssignedDriverID == "" {
		writeDetail(w, http.StatusBadRequest, "commission has not been paid for this course")
		return
	}
	d, err := s.store.GetDriver(r.Context(), c.AssignedDriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamDocument(w, r, documents.BuildCommissionInvoice(c, d))
}

func (s *Server) handleAdminListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.store.ListDrivers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleAdminActivateDriver(w http.ResponseWriter, r *http.Request) {
	s.setDriverActive(w, r, true)
}

func (s *Server) handleAdminDeactivateDriver(w http.ResponseWriter, r *http.Request) {
	s.setDriverActive(w, r, false)
}

func (s *Server) setDriverActive(w http.ResponseWriter, r *http.Request, active bool) {
	d, err := s.session.SetActive(r.Context(), mux.Vars(r)["id"], active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleAdminDeleteDriver refuses to delete a driver who still owns
// assigned courses; the history has to be resolved first.
func (s *Server) handleAdminDeleteDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.store.CountCoursesAssignedTo(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n > 0 {
		writeDetail(w, http.StatusConflict, fmt.Sprintf("driver still has %d assigned course(s)", n))
		return
	}
	if err := s.store.DeleteDriver(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminRefundNeeded(w http.ResponseWriter, r *http.Request) {
	payments, err := s.store.PaymentsByStatus(r.Context(), models.PaymentRefundNeeded)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"subcontracting_enabled": s.cfg.SubcontractingEnabled,
		"commission_rate":        s.cfg.CommissionRate,
		"reservation_ttl_sec":    int(s.cfg.ReservationTTL.Seconds()),
		"claim_token_ttl_sec":    int(s.cfg.ClaimTokenTTL.Seconds()),
		"late_cancel_window_sec": int(s.cfg.LateCancelWindow.Seconds()),
		"late_cancel_limit":      s.cfg.LateCancelLimit,
		"currency":               s.cfg.Currency,
		"gateway_configured":     s.gateway != nil,
	})
}
