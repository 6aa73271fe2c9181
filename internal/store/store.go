package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/vtc-dispatch/internal/models"
)

// ErrNotFound is returned when a document does not exist in its collection.
var ErrNotFound = errors.New("store: not found")

// CourseCond is the predicate of a conditional course update. The persisted
// status must be one of AnyStatus; when set, ReservedBy and ReservedUntil
// must equal the persisted reservation fields. Conditioning an expiry sweep
// on the exact (holder, deadline) pair it observed keeps a stale sweep from
// clobbering a newer reservation.
type CourseCond struct {
	AnyStatus     []models.CourseStatus
	ReservedBy    *string
	ReservedUntil *time.Time
}

// Matches evaluates the condition against a course.
func (c CourseCond) Matches(course *models.Course) bool {
	ok := len(c.AnyStatus) == 0
	for _, s := range c.AnyStatus {
		if course.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if c.ReservedBy != nil && course.ReservedByDriverID != *c.ReservedBy {
		return false
	}
	if c.ReservedUntil != nil {
		if course.ReservedUntil == nil || !course.ReservedUntil.Equal(*c.ReservedUntil) {
			return false
		}
	}
	return true
}

// CourseStore persists courses. CompareAndSwapCourse is the single point of
// mutual exclusion for the claim flow: it applies the lifecycle patch only
// when cond holds against the currently persisted row and reports
// (nil, false, nil) when the condition fails.
type CourseStore interface {
	InsertCourse(ctx context.Context, c *models.Course) error
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	ListCourses(ctx context.Context) ([]*models.Course, error)
	CoursesByAssignedDriver(ctx context.Context, driverID string) ([]*models.Course, error)
	CountCoursesAssignedTo(ctx context.Context, driverID string) (int, error)
	CompareAndSwapCourse(ctx context.Context, id string, cond CourseCond, lc models.Lifecycle) (*models.Course, bool, error)
}

// DriverStore persists drivers.
type DriverStore interface {
	InsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDriverByEmail(ctx context.Context, email string) (*models.Driver, error)
	ListDrivers(ctx context.Context) ([]*models.Driver, error)
	UpdateDriver(ctx context.Context, d *models.Driver) error
	DeleteDriver(ctx context.Context, id string) error
}

// ClaimTokenStore persists claim tokens.
type ClaimTokenStore interface {
	InsertClaimToken(ctx context.Context, t *models.ClaimToken) error
	GetClaimToken(ctx context.Context, token string) (*models.ClaimToken, error)
	ClaimTokensByCourse(ctx context.Context, courseID string) ([]*models.ClaimToken, error)
	// ExpireClaimTokens sets expires_at to now for every token of the course,
	// making old links immediately unusable when one is regenerated.
	ExpireClaimTokens(ctx context.Context, courseID string, now time.Time) error
}

// PaymentStore persists commission payments.
type PaymentStore interface {
	InsertPayment(ctx context.Context, p *models.CommissionPayment) error
	GetPaymentBySession(ctx context.Context, sessionID string) (*models.CommissionPayment, error)
	PaymentsByCourse(ctx context.Context, courseID string) ([]*models.CommissionPayment, error)
	// MarkPaymentPaid flips a payment to paid only when it is not already
	// paid; returns true when this call performed the transition.
	MarkPaymentPaid(ctx context.Context, sessionID, providerPaymentID string, paidAt time.Time) (bool, error)
	MarkPaymentStatus(ctx context.Context, sessionID string, status models.PaymentStatus) error
	PaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]*models.CommissionPayment, error)
}

// Store composes the per-entity contracts.
type Store interface {
	CourseStore
	DriverStore
	ClaimTokenStore
	PaymentStore
}
