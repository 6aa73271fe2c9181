package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/vtc-dispatch/internal/models"
	"github.com/example/vtc-dispatch/internal/notify"
	"github.com/example/vtc-dispatch/internal/store"
)

// Auth taxonomy. Handlers map these to 401/403.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactive           = errors.New("driver account is not active")
	ErrNoToken            = errors.New("missing bearer token")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrEmailTaken         = errors.New("email already registered")
)

// Service is the SessionResolver capability: registration, the admin
// activation gate, login and signed-token resolution. Engine logic never
// sees tokens, only resolved drivers.
type Service struct {
	Store      store.DriverStore
	Secret     string
	TokenTTL   time.Duration
	Notifier   notify.Notifier
	AdminEmail string
	Log        *slog.Logger
	Now        func() time.Time
}

func NewService(st store.DriverStore, secret string, ttl time.Duration, n notify.Notifier, adminEmail string, log *slog.Logger) *Service {
	if n == nil {
		n = notify.Nop{}
	}
	return &Service{Store: st, Secret: secret, TokenTTL: ttl, Notifier: n, AdminEmail: adminEmail, Log: log, Now: time.Now}
}

// RegisterInput is a driver's self-registration payload.
type RegisterInput struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	Name          string `json:"name"`
	CompanyName   string `json:"company_name"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
	SIRET         string `json:"siret"`
	VATApplicable bool   `json:"vat_applicable"`
	VATNumber     string `json:"vat_number"`
}

// Register creates an inactive driver account. An admin activates it
// before the driver can claim anything.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.Driver, error) {
	if in.Email == "" || in.Password == "" || in.Name == "" {
		return nil, fmt.Errorf("%w: email, password and name are required", ErrInvalidCredentials)
	}
	if _, err := s.Store.GetDriverByEmail(ctx, in.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup email: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	d := &models.Driver{
		ID:                uuid.NewString(),
		Email:             in.Email,
		PasswordHash:      string(hash),
		CompanyName:       in.CompanyName,
		Name:              in.Name,
		Phone:             in.Phone,
		Address:           in.Address,
		SIRET:             in.SIRET,
		VATApplicable:     in.VATApplicable,
		VATNumber:         in.VATNumber,
		InvoicePrefix:     "DRI",
		InvoiceNextNumber: 1,
		IsActive:          false,
		CreatedAt:         s.Now().UTC(),
	}
	if err := s.Store.InsertDriver(ctx, d); err != nil {
		return nil, fmt.Errorf("insert driver: %w", err)
	}
	payload := map[string]any{"driver_name": d.DisplayName(), "driver_email": d.Email}
	if s.AdminEmail != "" {
		payload["to"] = s.AdminEmail
	}
	s.Notifier.Notify(ctx, notify.EventDriverRegistered, payload)
	return d, nil
}

// Login verifies credentials and returns a signed session token. Inactive
// accounts authenticate but are refused with a distinct error.
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.Driver, error) {
	d, err := s.Store.GetDriverByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("lookup driver: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(d.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !d.IsActive {
		return "", nil, ErrInactive
	}
	now := s.Now().UTC()
	claims := jwt.MapClaims{
		"sub": d.ID,
		"exp": now.Add(s.TokenTTL).Unix(),
		"iat": now.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, d, nil
}

// Resolve authenticates a bearer token and enforces the activation gate.
func (s *Service) Resolve(ctx context.Context, bearer string) (*models.Driver, error) {
	if bearer == "" {
		return nil, ErrNoToken
	}
	parsed, err := jwt.Parse(bearer, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.Secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	d, err := s.Store.GetDriver(ctx, sub)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !d.IsActive {
		return nil, ErrInactive
	}
	return d, nil
}

// ProfileUpdate carries the driver-editable profile fields.
type ProfileUpdate struct {
	Name          string `json:"name"`
	CompanyName   string `json:"company_name"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
	SIRET         string `json:"siret"`
	VATApplicable bool   `json:"vat_applicable"`
	VATNumber     string `json:"vat_number"`
	InvoicePrefix string `json:"invoice_prefix"`
}

// UpdateProfile writes a driver's billing profile.
func (s *Service) UpdateProfile(ctx context.Context, driverID string, in ProfileUpdate) (*models.Driver, error) {
	d, err := s.Store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("load driver: %w", err)
	}
	if in.Name != "" {
		d.Name = in.Name
	}
	d.CompanyName = in.CompanyName
	d.Phone = in.Phone
	d.Address = in.Address
	d.SIRET = in.SIRET
	d.VATApplicable = in.VATApplicable
	d.VATNumber = in.VATNumber
	if in.InvoicePrefix != "" {
		d.InvoicePrefix = in.InvoicePrefix
	}
	if err := s.Store.UpdateDriver(ctx, d); err != nil {
		return nil, fmt.Errorf("update driver: %w", err)
	}
	return d, nil
}

// SetActive is the admin activation gate.
func (s *Service) SetActive(ctx context.Context, driverID string, active bool) (*models.Driver, error) {
	d, err := s.Store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("load driver: %w", err)
	}
	if d.IsActive == active {
		return d, nil
	}
	d.IsActive = active
	if err := s.Store.UpdateDriver(ctx, d); err != nil {
		return nil, fmt.Errorf("update driver: %w", err)
	}
	if active {
		s.Notifier.Notify(ctx, notify.EventDriverActivated, map[string]any{
			"to":          d.Email,
			"driver_name": d.DisplayName(),
		})
	}
	return d, nil
}
