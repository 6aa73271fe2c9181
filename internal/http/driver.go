package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/vtc-dispatch/internal/documents"
	"github.com/example/vtc-dispatch/internal/engine"
	"github.com/example/vtc-dispatch/internal/models"
	"github.com/example/vtc-dispatch/internal/notify"
	"github.com/example/vtc-dispatch/internal/session"
)

func (s *Server) handleDriverRegister(w http.ResponseWriter, r *http.Request) {
	var in session.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := s.session.Register(r.Context(), in)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"driver_id":          d.ID,
		"pending_activation": !d.IsActive,
	})
}

func (s *Server) handleDriverLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, d, err := s.session.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  token,
		"driver": d,
	})
}

func (s *Server) handleDriverProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, driverFromContext(r.Context()))
}

func (s *Server) handleDriverProfileUpdate(w http.ResponseWriter, r *http.Request) {
	var in session.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := s.session.UpdateProfile(r.Context(), driverFromContext(r.Context()).ID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverCourses(w http.ResponseWriter, r *http.Request) {
	d := driverFromContext(r.Context())
	courses, err := s.store.CoursesByAssignedDriver(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, courses)
}

// assignedCourse loads a course and enforces that it belongs to the
// calling driver; assigned courses are the only ones a driver sees in
// full detail.
func (s *Server) assignedCourse(r *http.Request) (*models.Course, error) {
	d := driverFromContext(r.Context())
	c, err := s.engine.SweptCourse(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if c.AssignedDriverID != d.ID {
		return nil, fmt.Errorf("%w: course is not assigned to you", engine.ErrForbidden)
	}
	return c, nil
}

func (s *Server) handleDriverCourse(w http.ResponseWriter, r *http.Request) {
	c, err := s.assignedCourse(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	d := driverFromContext(r.Context())
	c, err := s.engine.DriverCancel(r.Context(), mux.Vars(r)["id"], d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDriverOrderForm(w http.ResponseWriter, r *http.Request) {
	c, err := s.assignedCourse(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc := documents.BuildOrderForm(c, driverFromContext(r.Context()))
	s.streamDocument(w, r, doc)
}

func (s *Server) handleDriverInvoice(w http.ResponseWriter, r *http.Request) {
	c, err := s.assignedCourse(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.buildDriverInvoice(r, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamDocument(w, r, *doc)
}

func (s *Server) handleDriverSendInvoice(w http.ResponseWriter, r *http.Request) {
	c, err := s.assignedCourse(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.ClientEmail == "" {
		writeDetail(w, http.StatusBadRequest, "course has no client email")
		return
	}
	doc, err := s.buildDriverInvoice(r, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rendered, _, err := s.renderer.Render(r.Context(), *doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.engine.Notify(r.Context(), notify.EventDriverInvoice, map[string]any{
		"to":             c.ClientEmail,
		"invoice_number": doc.Number,
		"document":       string(rendered),
	})
	writeJSON(w, http.StatusOK, map[string]any{"sent": true, "invoice_number": doc.Number})
}

// buildDriverInvoice assembles the invoice and persists the driver's
// incremented invoice counter.
func (s *Server) buildDriverInvoice(r *http.Request, c *models.Course) (*documents.DocumentData, error) {
	d := driverFromContext(r.Context())
	doc := documents.BuildDriverInvoice(c, d, d.InvoiceNextNumber)
	d.InvoiceNextNumber++
	if err := s.store.UpdateDriver(r.Context(), d); err != nil {
		return nil, fmt.Errorf("advance invoice counter: %w", err)
	}
	return &doc, nil
}

func (s *Server) streamDocument(w http.ResponseWriter, r *http.Request, doc documents.DocumentData) {
	rendered, contentType, err := s.renderer.Render(r.Context(), doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Number+".txt"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rendered)
}
