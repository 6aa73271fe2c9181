package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/vtc-dispatch/internal/notify"
	"github.com/example/vtc-dispatch/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Notify(_ context.Context, event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestService() (*Service, *store.MemoryStore, *recorder) {
	st := store.NewMemoryStore()
	rec := &recorder{}
	svc := NewService(st, "test-secret", time.Hour, rec, "admin@example.com", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, st, rec
}

func register(t *testing.T, svc *Service, email string) string {
	t.Helper()
	d, err := svc.Register(context.Background(), RegisterInput{
		Email:       email,
		Password:    "hunter22",
		Name:        "Jean Dupont",
		CompanyName: "Berline Plus",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return d.ID
}

func TestRegisterCreatesInactiveDriver(t *testing.T) {
	svc, st, rec := newTestService()
	id := register(t, svc, "jean@example.com")

	d, err := st.GetDriver(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if d.IsActive {
		t.Fatal("new driver must start inactive")
	}
	if d.PasswordHash == "" || d.PasswordHash == "hunter22" {
		t.Fatal("password stored in clear or not at all")
	}
	if d.InvoicePrefix != "DRI" || d.InvoiceNextNumber != 1 {
		t.Fatalf("invoice defaults = %q/%d", d.InvoicePrefix, d.InvoiceNextNumber)
	}
	if rec.count(notify.EventDriverRegistered) != 1 {
		t.Fatal("admin was not notified of the registration")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "jean@example.com")

	_, err := svc.Register(context.Background(), RegisterInput{Email: "jean@example.com", Password: "x", Name: "Other"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
}

func TestRegisterMissingFields(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Register(context.Background(), RegisterInput{Email: "a@b.c", Password: "pw"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginGates(t *testing.T) {
	svc, _, _ := newTestService()
	id := register(t, svc, "jean@example.com")

	if _, _, err := svc.Login(context.Background(), "jean@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: err = %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "nobody@example.com", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: err = %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "jean@example.com", "hunter22"); !errors.Is(err, ErrInactive) {
		t.Fatalf("inactive account: err = %v", err)
	}

	if _, err := svc.SetActive(context.Background(), id, true); err != nil {
		t.Fatal(err)
	}
	token, d, err := svc.Login(context.Background(), "jean@example.com", "hunter22")
	if err != nil {
		t.Fatalf("active login: %v", err)
	}
	if token == "" || d.ID != id {
		t.Fatalf("token = %q, driver = %+v", token, d)
	}
}

func TestResolveRoundTrip(t *testing.T) {
	svc, _, _ := newTestService()
	id := register(t, svc, "jean@example.com")
	if _, err := svc.SetActive(context.Background(), id, true); err != nil {
		t.Fatal(err)
	}
	token, _, err := svc.Login(context.Background(), "jean@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}

	d, err := svc.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.ID != id {
		t.Fatalf("resolved driver %s, want %s", d.ID, id)
	}
}

func TestResolveRejectsBadTokens(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Resolve(context.Background(), ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("empty token: err = %v", err)
	}
	if _, err := svc.Resolve(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token: err = %v", err)
	}

	// A token signed with a different secret must not resolve.
	other, _, _ := newTestService()
	other.Secret = "another-secret"
	id := register(t, other, "eve@example.com")
	if _, err := other.SetActive(context.Background(), id, true); err != nil {
		t.Fatal(err)
	}
	foreign, _, err := other.Login(context.Background(), "eve@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(context.Background(), foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign signature: err = %v", err)
	}
}

func TestResolveExpiredToken(t *testing.T) {
	svc, _, _ := newTestService()
	id := register(t, svc, "jean@example.com")
	if _, err := svc.SetActive(context.Background(), id, true); err != nil {
		t.Fatal(err)
	}
	svc.Now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := svc.Login(context.Background(), "jean@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: err = %v", err)
	}
}

func TestResolveInactiveDriver(t *testing.T) {
	svc, _, _ := newTestService()
	id := register(t, svc, "jean@example.com")
	if _, err := svc.SetActive(context.Background(), id, true); err != nil {
		t.Fatal(err)
	}
	token, _, err := svc.Login(context.Background(), "jean@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetActive(context.Background(), id, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(context.Background(), token); !errors.Is(err, ErrInactive) {
		t.Fatalf("deactivated driver: err = %v", err)
	}
}

func TestSetActiveNotifiesOnActivation(t *testing.T) {
	svc, _, rec := newTestService()
	id := register(t, svc, "jean@example.com")

	if _, err := svc.SetActive(context.Background(), id, true); err != nil {
		t.Fatal(err)
	}
	if rec.count(notify.EventDriverActivated) != 1 {
		t.Fatal("activation mail missing")
	}
	// Re-activating an already active account is a no-op.
	if _, err := svc.SetActive(context.Background(), id, true); err != nil {
		t.Fatal(err)
	}
	if rec.count(notify.EventDriverActivated) != 1 {
		t.Fatal("duplicate activation mail")
	}
}

func TestUpdateProfile(t *testing.T) {
	svc, _, _ := newTestService()
	id := register(t, svc, "jean@example.com")

	d, err := svc.UpdateProfile(context.Background(), id, ProfileUpdate{
		CompanyName:   "Berline Plus SASU",
		SIRET:         "12345678900011",
		VATApplicable: true,
		VATNumber:     "FR12345678900",
		InvoicePrefix: "BP",
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.CompanyName != "Berline Plus SASU" || d.InvoicePrefix != "BP" || !d.VATApplicable {
		t.Fatalf("profile = %+v", d)
	}
	if d.Name != "Jean Dupont" {
		t.Fatal("empty name must not erase the stored name")
	}
}
