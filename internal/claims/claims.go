package claims

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/vtc-dispatch/internal/engine"
	"github.com/example/vtc-dispatch/internal/models"
	"github.com/example/vtc-dispatch/internal/store"
)

// CourseReader is the slice of the lifecycle engine the claim service
// needs: a course read that has already run the lazy expiry sweep.
type CourseReader interface {
	SweptCourse(ctx context.Context, id string) (*models.Course, error)
}

// Service issues and resolves the short-lived tokens gating anonymous
// access to a course's claim page.
type Service struct {
	Store   store.Store
	Courses CourseReader
	TTL     time.Duration
	Now     func() time.Time
}

func NewService(st store.Store, courses CourseReader, ttl time.Duration) *Service {
	return &Service{Store: st, Courses: courses, TTL: ttl, Now: time.Now}
}

// Issue creates a fresh claim token for a course.
func (s *Service) Issue(ctx context.Context, courseID string, ttl time.Duration) (*models.ClaimToken, error) {
	if ttl <= 0 {
		ttl = s.TTL
	}
	secret, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate claim token: %w", err)
	}
	now := s.Now().UTC()
	t := &models.ClaimToken{
		ID:        uuid.NewString(),
		CourseID:  courseID,
		Token:     secret,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.Store.InsertClaimToken(ctx, t); err != nil {
		return nil, fmt.Errorf("persist claim token: %w", err)
	}
	return t, nil
}

// Regenerate supersedes every existing token of the course: old tokens are
// explicitly expired, then a fresh one is issued. The course itself is
// untouched.
func (s *Service) Regenerate(ctx context.Context, courseID string) (*models.ClaimToken, error) {
	if _, err := s.Store.GetCourse(ctx, courseID); err != nil {
		return nil, fmt.Errorf("%w: course %s", engine.ErrNotFound, courseID)
	}
	if err := s.Store.ExpireClaimTokens(ctx, courseID, s.Now().UTC()); err != nil {
		return nil, fmt.Errorf("expire claim tokens: %w", err)
	}
	return s.Issue(ctx, courseID, 0)
}

// Authorize validates a token string and returns the course it references.
func (s *Service) Authorize(ctx context.Context, token string) (string, error) {
	t, err := s.Store.GetClaimToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: unknown claim token", engine.ErrNotFound)
	}
	if t.Expired(s.Now().UTC()) {
		return "", fmt.Errorf("%w: claim link has expired, request a new one", engine.ErrExpired)
	}
	return t.CourseID, nil
}

// ClaimView is what a claim-link holder sees. Before the course is
// ASSIGNED, precise addresses, phone, email and notes are redacted; only
// city and department survive. Full detail appears once the responder has
// paid and the course is theirs.
type ClaimView struct {
	CourseID         string              `json:"course_id"`
	Status           models.CourseStatus `json:"status"`
	Date             string              `json:"date"`
	Time             string              `json:"time"`
	DistanceKm       float64             `json:"distance_km,omitempty"`
	PriceTotal       float64             `json:"price_total"`
	CommissionRate   float64             `json:"commission_rate"`
	CommissionAmount float64             `json:"commission_amount"`

	PickupLocation  string `json:"pickup_location"`
	DropoffLocation string `json:"dropoff_location"`

	// Full-detail fields, empty until the course is ASSIGNED.
	ClientName  string `json:"client_name,omitempty"`
	ClientPhone string `json:"client_phone,omitempty"`
	ClientEmail string `json:"client_email,omitempty"`
	Notes       string `json:"notes,omitempty"`

	ReservedByName   string     `json:"reserved_by_name,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	TokenExpiresAt   time.Time  `json:"token_expires_at"`
}

// Resolve validates the token and returns the masked live view of its
// course, including the claim state a responder decides on.
func (s *Service) Resolve(ctx context.Context, token string) (*ClaimView, error) {
	t, err := s.Store.GetClaimToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown claim token", engine.ErrNotFound)
	}
	now := s.Now().UTC()
	if t.Expired(now) {
		return nil, fmt.Errorf("%w: claim link has expired, request a new one", engine.ErrExpired)
	}
	c, err := s.Courses.SweptCourse(ctx, t.CourseID)
	if err != nil {
		return nil, err
	}
	view := &ClaimView{
		CourseID:         c.ID,
		Status:           c.Status,
		Date:             c.Date,
		Time:             c.Time,
		DistanceKm:       c.DistanceKm,
		PriceTotal:       c.PriceTotal,
		CommissionRate:   c.CommissionRate,
		CommissionAmount: models.CommissionFor(c.PriceTotal, c.CommissionRate),
		AssignedAt:       c.AssignedAt,
		TokenExpiresAt:   t.ExpiresAt,
	}
	if c.Status == models.StatusAssigned || c.Status == models.StatusDone {
		view.PickupLocation = c.PickupAddress
		view.DropoffLocation = c.DropoffAddress
		view.ClientName = c.ClientName
		view.ClientPhone = c.ClientPhone
		view.ClientEmail = c.ClientEmail
		view.Notes = c.Notes
	} else {
		view.PickupLocation = MaskAddress(c.PickupAddress)
		view.DropoffLocation = MaskAddress(c.DropoffAddress)
	}
	if c.Status == models.StatusReserved {
		if c.ReservedUntil != nil {
			if rem := int(c.ReservedUntil.Sub(now).Seconds()); rem > 0 {
				view.RemainingSeconds = rem
			}
		}
		if d, err := s.Store.GetDriver(ctx, c.ReservedByDriverID); err == nil {
			view.ReservedByName = d.DisplayName()
		}
	}
	return view, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
