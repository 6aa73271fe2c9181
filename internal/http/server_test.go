package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/vtc-dispatch/internal/claims"
	"github.com/example/vtc-dispatch/internal/config"
	"github.com/example/vtc-dispatch/internal/dispatch"
	"github.com/example/vtc-dispatch/internal/documents"
	"github.com/example/vtc-dispatch/internal/engine"
	"github.com/example/vtc-dispatch/internal/notify"
	"github.com/example/vtc-dispatch/internal/payments"
	"github.com/example/vtc-dispatch/internal/session"
	"github.com/example/vtc-dispatch/internal/store"
)

const adminToken = "test-admin-token"

// stubGateway satisfies payments.Gateway for handler tests. Webhook
// verification accepts only the "valid" signature and replays the
// preloaded event.
type stubGateway struct {
	mu       sync.Mutex
	sessions map[string]*payments.CheckoutSession
	n        int
	event    *payments.WebhookEvent
}

func (g *stubGateway) CreateSession(_ context.Context, p payments.CreateSessionParams) (*payments.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	sess := &payments.CheckoutSession{
		ID:            fmt.Sprintf("cs_test_%d", g.n),
		URL:           "https://checkout.example.com/" + fmt.Sprintf("cs_test_%d", g.n),
		PaymentStatus: "unpaid",
		AmountTotal:   p.AmountCents,
		Currency:      p.Currency,
		Metadata:      p.Metadata,
	}
	if g.sessions == nil {
		g.sessions = map[string]*payments.CheckoutSession{}
	}
	g.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (g *stubGateway) GetSession(_ context.Context, id string) (*payments.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[id]
	if !ok {
		return nil, errors.New("no such checkout session")
	}
	cp := *sess
	return &cp, nil
}

func (g *stubGateway) VerifyWebhook(_ []byte, signature string) (*payments.WebhookEvent, error) {
	if signature != "valid" {
		return nil, errors.New("signature mismatch")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.event == nil {
		return nil, errors.New("no event loaded")
	}
	return g.event, nil
}

type testEnv struct {
	srv     *httptest.Server
	store   *store.MemoryStore
	gateway *stubGateway
	session *session.Service
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		AdminToken:            adminToken,
		AdminEmail:            "admin@example.com",
		JWTSecret:             "test-secret",
		JWTTTL:                time.Hour,
		FrontendURL:           "https://app.example.com",
		SubcontractingEnabled: true,
		CommissionRate:        0.10,
		ReservationTTL:        3 * time.Minute,
		ClaimTokenTTL:         30 * time.Minute,
		LateCancelWindow:      time.Hour,
		LateCancelLimit:       3,
		CommissionFloor:       0.50,
		Currency:              "eur",
	}
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig, *Deps)) *testEnv {
	t.Helper()
	cfg := testConfig()
	st := store.NewMemoryStore()
	gw := &stubGateway{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	watch := dispatch.NewClaimWatchRegistry(logger)

	eng := engine.New(engine.Config{
		CommissionRate:   cfg.CommissionRate,
		ReservationTTL:   cfg.ReservationTTL,
		LateCancelWindow: cfg.LateCancelWindow,
		LateCancelLimit:  cfg.LateCancelLimit,
		CommissionFloor:  cfg.CommissionFloor,
		Currency:         cfg.Currency,
		FrontendURL:      cfg.FrontendURL,
		AdminEmail:       cfg.AdminEmail,
	}, engine.Deps{
		Store:    st,
		Gateway:  gw,
		Notifier: notify.Nop{},
		Watch:    watch,
		Log:      logger,
	})

	deps := Deps{
		Engine:   eng,
		Claims:   claims.NewService(st, eng, cfg.ClaimTokenTTL),
		Session:  session.NewService(st, cfg.JWTSecret, cfg.JWTTTL, notify.Nop{}, cfg.AdminEmail, logger),
		Store:    st,
		Gateway:  gw,
		Renderer: documents.TextRenderer{},
		Watch:    watch,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	srv := httptest.NewServer(New(cfg, logger, deps))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, gateway: gw, session: deps.Session}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

// activeDriver registers, activates and logs in a driver, returning the
// session token.
func (e *testEnv) activeDriver(t *testing.T, email string) string {
	t.Helper()
	d, err := e.session.Register(context.Background(), session.RegisterInput{
		Email: email, Password: "hunter22", Name: "Test Driver", CompanyName: "Berline Plus",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.session.SetActive(context.Background(), d.ID, true); err != nil {
		t.Fatal(err)
	}
	token, _, err := e.session.Login(context.Background(), email, "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (e *testEnv) createCourse(t *testing.T) (courseID, claimToken string) {
	t.Helper()
	resp, body := e.do(t, "POST", "/api/admin/subcontracting/courses", adminToken, map[string]any{
		"client_name":     "Mme Durand",
		"client_email":    "durand@example.com",
		"client_phone":    "+33612345678",
		"pickup_address":  "Aéroport Charles de Gaulle, 95700 Roissy-en-France",
		"dropoff_address": "12 Rue de la Paix, 75002 Paris, France",
		"date":            "2026-09-02",
		"time":            "09:00",
		"price_total":     69.0,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create course: status %d, body %v", resp.StatusCode, body)
	}
	course, _ := body["course"].(map[string]any)
	courseID, _ = course["id"].(string)
	claimToken, _ = body["claim_token"].(string)
	if courseID == "" || claimToken == "" {
		t.Fatalf("create course response missing ids: %v", body)
	}
	return courseID, claimToken
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := env.srv.Client().Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestClaimViewUnknownToken(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "GET", "/api/subcontracting/claim/does-not-exist", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFeatureFlagTakesClaimGroupOffline(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ServerConfig, _ *Deps) {
		cfg.SubcontractingEnabled = false
	})
	resp, body := env.do(t, "GET", "/api/subcontracting/claim/whatever", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (%v)", resp.StatusCode, body)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "GET", "/api/admin/subcontracting/courses", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = env.do(t, "GET", "/api/admin/subcontracting/courses", "wrong-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = env.do(t, "GET", "/api/admin/subcontracting/courses", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: status = %d, want 200", resp.StatusCode)
	}
}

func TestDriverEndpointsRequireSession(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "GET", "/api/driver/profile", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestClaimFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.createCourse(t)

	// An anonymous claim view shows only masked locations.
	resp, view := env.do(t, "GET", "/api/subcontracting/claim/"+token, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim view: status = %d (%v)", resp.StatusCode, view)
	}
	if view["pickup_location"] != "Roissy-en-France (95)" {
		t.Fatalf("pickup_location = %v", view["pickup_location"])
	}
	if _, leaked := view["client_name"]; leaked {
		t.Fatal("client identity leaked before assignment")
	}
	if view["commission_amount"] != 6.9 {
		t.Fatalf("commission_amount = %v", view["commission_amount"])
	}

	d1 := env.activeDriver(t, "d1@example.com")
	d2 := env.activeDriver(t, "d2@example.com")

	resp, body := env.do(t, "POST", "/api/subcontracting/claim/"+token+"/reserve", d1, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first reserve: status = %d (%v)", resp.StatusCode, body)
	}
	if body["status"] != "RESERVED" {
		t.Fatalf("status = %v", body["status"])
	}

	resp, body = env.do(t, "POST", "/api/subcontracting/claim/"+token+"/reserve", d2, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second reserve: status = %d, want 409 (%v)", resp.StatusCode, body)
	}

	// The holder can start the commission checkout.
	resp, body = env.do(t, "POST", "/api/subcontracting/claim/"+token+"/pay", d1, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pay: status = %d (%v)", resp.StatusCode, body)
	}
	url, _ := body["checkout_url"].(string)
	sessID, _ := body["session_id"].(string)
	if url == "" || sessID == "" {
		t.Fatalf("checkout response = %v", body)
	}
}

func TestWebhookWithoutGateway(t *testing.T) {
	env := newTestEnv(t, func(_ *config.ServerConfig, d *Deps) {
		d.Gateway = nil
	})
	resp, _ := env.do(t, "POST", "/api/webhook/payment", "", map[string]any{})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := http.NewRequest("POST", env.srv.URL+"/api/webhook/payment", strings.NewReader("{}"))
	req.Header.Set("Stripe-Signature", "forged")
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookProcessingFailureStillAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gateway.event = &payments.WebhookEvent{
		Type: "checkout.session.completed",
		Session: payments.CheckoutSession{
			ID:            "cs_ghost",
			PaymentStatus: "paid",
			Metadata:      map[string]string{"course_id": "missing", "driver_id": "missing"},
		},
	}
	req, _ := http.NewRequest("POST", env.srv.URL+"/api/webhook/payment", strings.NewReader("{}"))
	req.Header.Set("Stripe-Signature", "valid")
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite processing failure", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}
