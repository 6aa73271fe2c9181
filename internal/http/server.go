package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/vtc-dispatch/internal/claims"
	"github.com/example/vtc-dispatch/internal/config"
	"github.com/example/vtc-dispatch/internal/dispatch"
	"github.com/example/vtc-dispatch/internal/documents"
	"github.com/example/vtc-dispatch/internal/engine"
	"github.com/example/vtc-dispatch/internal/payments"
	"github.com/example/vtc-dispatch/internal/session"
	"github.com/example/vtc-dispatch/internal/store"
)

// Deps are the constructor-injected collaborators of the HTTP surface.
// Everything is wired in cmd/server; nothing is ambient.
type Deps struct {
	Engine   *engine.Engine
	Claims   *claims.Service
	Session  *session.Service
	Store    store.Store
	Gateway  payments.Gateway
	Renderer documents.Generator
	Watch    *dispatch.ClaimWatchRegistry
	Redis    *redis.Client
}

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	engine   *engine.Engine
	claims   *claims.Service
	session  *session.Service
	store    store.Store
	gateway  payments.Gateway
	renderer documents.Generator
	watch    *dispatch.ClaimWatchRegistry
	rdb      *redis.Client
	mux      *mux.Router
}

func New(cfg config.ServerConfig, logger *slog.Logger, d Deps) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		engine:   d.Engine,
		claims:   d.Claims,
		session:  d.Session,
		store:    d.Store,
		gateway:  d.Gateway,
		renderer: d.Renderer,
		watch:    d.Watch,
		rdb:      d.Redis,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api").Subrouter()

	sub := api.PathPrefix("/subcontracting").Subrouter()
	sub.Use(s.featureFlagMiddleware)
	sub.Use(s.rateLimitMiddleware)
	sub.HandleFunc("/claim/{token}", s.handleClaimView).Methods("GET")
	sub.HandleFunc("/claim/{token}/reserve", s.requireDriver(s.handleClaimReserve)).Methods("POST")
	sub.HandleFunc("/claim/{token}/pay", s.requireDriver(s.handleClaimPay)).Methods("POST")
	sub.HandleFunc("/payment/status/{session_id}", s.handlePaymentStatus).Methods("GET")
	sub.HandleFunc("/verify-payment", s.handleVerifyPayment).Methods("GET")

	api.HandleFunc("/webhook/payment", s.handlePaymentWebhook).Methods("POST")

	drv := api.PathPrefix("/driver").Subrouter()
	drv.HandleFunc("/register", s.handleDriverRegister).Methods("POST")
	drv.HandleFunc("/login", s.handleDriverLogin).Methods("POST")
	drv.HandleFunc("/profile", s.requireDriver(s.handleDriverProfile)).Methods("GET")
	drv.HandleFunc("/profile", s.requireDriver(s.handleDriverProfileUpdate)).Methods("PUT")
	drv.HandleFunc("/courses", s.requireDriver(s.handleDriverCourses)).Methods("GET")
	drv.HandleFunc("/courses/{id}", s.requireDriver(s.handleDriverCourse)).Methods("GET")
	drv.HandleFunc("/courses/{id}/cancel", s.requireDriver(s.handleDriverCancel)).Methods("POST")
	drv.HandleFunc("/courses/{id}/order-form", s.requireDriver(s.handleDriverOrderForm)).Methods("GET")
	drv.HandleFunc("/courses/{id}/invoice", s.requireDriver(s.handleDriverInvoice)).Methods("GET")
	drv.HandleFunc("/courses/{id}/send-invoice", s.requireDriver(s.handleDriverSendInvoice)).Methods("POST")

	adm := api.PathPrefix("/admin/subcontracting").Subrouter()
	adm.Use(s.adminAuthMiddleware)
	adm.HandleFunc("/courses", s.handleAdminCreateCourse).Methods("POST")
	adm.HandleFunc("/courses", s.handleAdminListCourses).Methods("GET")
	adm.HandleFunc("/courses/{id}", s.handleAdminGetCourse).Methods("GET")
	adm.HandleFunc("/courses/{id}/reset-to-open", s.handleAdminResetToOpen).Methods("POST")
	adm.HandleFunc("/courses/{id}/cancel", s.handleAdminCancel).Methods("POST")
	adm.HandleFunc("/courses/{id}/client-cancel", s.handleAdminClientCancel).Methods("POST")
	adm.HandleFunc("/courses/{id}/mark-done", s.handleAdminMarkDone).Methods("POST")
	adm.HandleFunc("/courses/{id}/regenerate-token", s.handleAdminRegenerateToken).Methods("POST")
	adm.HandleFunc("/courses/{id}/commission-invoice", s.handleAdminCommissionInvoice).Methods("GET")
	adm.HandleFunc("/drivers", s.handleAdminListDrivers).Methods("GET")
	adm.HandleFunc("/drivers/{id}/activate", s.handleAdminActivateDriver).Methods("POST")
	adm.HandleFunc("/drivers/{id}/deactivate", s.handleAdminDeactivateDriver).Methods("POST")
	adm.HandleFunc("/drivers/{id}", s.handleAdminDeleteDriver).Methods("DELETE")
	adm.HandleFunc("/payments/refund-needed", s.handleAdminRefundNeeded).Methods("GET")
	adm.HandleFunc("/settings", s.handleAdminSettings).Methods("GET")

	s.mux.HandleFunc("/ws/claim/{token}", s.handleClaimWatch)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrExpired):
		writeDetail(w, http.StatusGone, err.Error())
	case errors.Is(err, engine.ErrConflict), errors.Is(err, engine.ErrRefundInvestigation):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrForbidden):
		writeDetail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrValidation):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrGatewayUnconfigured):
		writeDetail(w, http.StatusServiceUnavailable, "payment gateway not configured")
	case errors.Is(err, engine.ErrGateway):
		writeDetail(w, http.StatusBadGateway, "payment gateway unavailable")
	default:
		s.logger.Error("internal error", "path", r.URL.Path, "error", err)
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInactive):
		writeDetail(w, http.StatusForbidden, "driver account is not active")
	case errors.Is(err, session.ErrEmailTaken):
		writeDetail(w, http.StatusConflict, "email already registered")
	default:
		writeDetail(w, http.StatusUnauthorized, "authentication required")
	}
}
