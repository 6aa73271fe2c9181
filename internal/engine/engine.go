package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/vtc-dispatch/internal/events"
	"github.com/example/vtc-dispatch/internal/models"
	"github.com/example/vtc-dispatch/internal/notify"
	"github.com/example/vtc-dispatch/internal/observability"
	"github.com/example/vtc-dispatch/internal/payments"
	"github.com/example/vtc-dispatch/internal/routing"
	"github.com/example/vtc-dispatch/internal/store"
)

// Broadcaster pushes live claim-state frames to watching claim pages.
type Broadcaster interface {
	Broadcast(models.ClaimUpdate)
}

// Config carries the engine's policy knobs.
type Config struct {
	CommissionRate   float64       // fraction, e.g. 0.10
	ReservationTTL   time.Duration // hold window granted by reserve()
	LateCancelWindow time.Duration // pickup minus now below this is "late"
	LateCancelLimit  int           // late cancellations before deactivation
	CommissionFloor  float64       // smallest chargeable commission
	Currency         string
	FrontendURL      string
	AdminEmail       string
}

// DefaultConfig mirrors the production policy: 10% commission, 3-minute
// holds, 1-hour late window, deactivation after 3 late cancellations and
// the provider's 0.50 minimum charge.
func DefaultConfig() Config {
	return Config{
		CommissionRate:   0.10,
		ReservationTTL:   3 * time.Minute,
		LateCancelWindow: time.Hour,
		LateCancelLimit:  3,
		CommissionFloor:  0.50,
		Currency:         "eur",
	}
}

// Deps are the engine's injected collaborators. Gateway, Events, Watch and
// Estimator may be left unset; the engine degrades accordingly.
type Deps struct {
	Store     store.Store
	Gateway   payments.Gateway
	Notifier  notify.Notifier
	Events    *events.Publisher
	Watch     Broadcaster
	Estimator routing.Estimator
	Log       *slog.Logger
	Now       func() time.Time
}

// Engine owns the course state machine: creation, reservation with lazy
// expiry, commission-payment initiation and payment-driven finalization.
// It holds no locks; all mutual exclusion comes from the store's
// conditional updates on the course row.
type Engine struct {
	cfg       Config
	store     store.Store
	gateway   payments.Gateway
	notifier  notify.Notifier
	events    *events.Publisher
	watch     Broadcaster
	estimator routing.Estimator
	log       *slog.Logger
	now       func() time.Time
}

func New(cfg Config, d Deps) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     d.Store,
		gateway:   d.Gateway,
		notifier:  d.Notifier,
		events:    d.Events,
		watch:     d.Watch,
		estimator: d.Estimator,
		log:       d.Log,
		now:       d.Now,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// CourseInput is the immutable-at-creation data of a new course.
type CourseInput struct {
	ClientName     string  `json:"client_name"`
	ClientEmail    string  `json:"client_email"`
	ClientPhone    string  `json:"client_phone"`
	PickupAddress  string  `json:"pickup_address"`
	DropoffAddress string  `json:"dropoff_address"`
	Date           string  `json:"date"`
	Time           string  `json:"time"`
	DistanceKm     float64 `json:"distance_km"`
	PriceTotal     float64 `json:"price_total"`
	Notes          string  `json:"notes"`
}

// CreateCourse validates and persists a new OPEN course. Distance is
// estimated best-effort through the routing collaborator when not supplied.
func (e *Engine) CreateCourse(ctx context.Context, in CourseInput) (*models.Course, error) {
	switch {
	case in.ClientName == "":
		return nil, fmt.Errorf("%w: client_name is required", ErrValidation)
	case in.PickupAddress == "" || in.DropoffAddress == "":
		return nil, fmt.Errorf("%w: pickup and dropoff addresses are required", ErrValidation)
	case in.PriceTotal <= 0:
		return nil, fmt.Errorf("%w: price_total must be > 0", ErrValidation)
	}
	now := e.now().UTC()
	c := &models.Course{
		ID:             uuid.NewString(),
		ClientName:     in.ClientName,
		ClientEmail:    in.ClientEmail,
		ClientPhone:    in.ClientPhone,
		PickupAddress:  in.PickupAddress,
		DropoffAddress: in.DropoffAddress,
		Date:           in.Date,
		Time:           in.Time,
		DistanceKm:     in.DistanceKm,
		PriceTotal:     in.PriceTotal,
		Notes:          in.Notes,
		Status:         models.StatusOpen,
		CommissionRate: e.cfg.CommissionRate,
		CreatedAt:      now,
	}
	if _, err := c.PickupTime(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	c.CommissionAmount = models.CommissionFor(c.PriceTotal, c.CommissionRate)
	if c.DistanceKm == 0 && e.estimator != nil {
		if km, err := e.estimator.DistanceKm(ctx, c.PickupAddress, c.DropoffAddress); err == nil {
			c.DistanceKm = km
		} else {
			e.log.Warn("distance estimation failed", "course_id", c.ID, "error", err)
		}
	}
	if err := e.store.InsertCourse(ctx, c); err != nil {
		return nil, fmt.Errorf("insert course: %w", err)
	}
	observability.CoursesCreatedTotal.Inc()
	e.publish(models.CourseEvent{Type: models.EventCourseCreated, CourseID: c.ID, Status: c.Status, At: now})
	return c, nil
}

// SweptCourse loads a course after running the lazy expiry sweep: a
// RESERVED course whose hold deadline passed is reset to OPEN before the
// caller acts on its status. Every read in the claim flow goes through
// here. The persisting CAS conditions on the exact stale reservation, so
// a concurrent newer hold is never clobbered.
func (e *Engine) SweptCourse(ctx context.Context, id string) (*models.Course, error) {
	c, err := e.store.GetCourse(ctx, id)
	if err != nil {
		return nil, notFound("course", id, err)
	}
	probe := *c
	if !models.SweepReservation(&probe, e.now().UTC()) {
		return c, nil
	}
	holder := c.ReservedByDriverID
	cond := store.CourseCond{
		AnyStatus:     []models.CourseStatus{models.StatusReserved},
		ReservedBy:    &holder,
		ReservedUntil: c.ReservedUntil,
	}
	updated, swapped, err := e.store.CompareAndSwapCourse(ctx, id, cond, models.OpenLifecycle(c))
	if err != nil {
		return nil, fmt.Errorf("sweep course %s: %w", id, err)
	}
	if !swapped {
		// Someone else moved the course first; their state wins.
		c, err = e.store.GetCourse(ctx, id)
		if err != nil {
			return nil, notFound("course", id, err)
		}
		return c, nil
	}
	observability.ReservationsExpiredTotal.Inc()
	e.log.Info("reservation expired", "course_id", id, "driver_id", holder)
	e.publish(models.CourseEvent{Type: models.EventReservationExpired, CourseID: id, DriverID: holder, Status: updated.Status, At: e.now().UTC()})
	e.broadcast(updated)
	return updated, nil
}

// Reserve places the 3-minute hold for a driver. Exactly one concurrent
// call against an OPEN course wins the conditional update; everyone else
// observes a conflict. A repeat call by the current holder succeeds
// idempotently without extending the timer.
func (e *Engine) Reserve(ctx context.Context, courseID, driverID string) (*models.Course, error) {
	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, notFound("driver", driverID, err)
	}
	if !d.IsActive {
		return nil, fmt.Errorf("%w: driver account is not active", ErrForbidden)
	}
	c, err := e.SweptCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.StatusReserved:
		if c.ReservedByDriverID == driverID {
			return c, nil
		}
		observability.ReservationConflictsTotal.Inc()
		return nil, fmt.Errorf("%w: course is held by another driver", ErrConflict)
	case models.StatusAssigned, models.StatusDone:
		observability.ReservationConflictsTotal.Inc()
		return nil, fmt.Errorf("%w: course is already assigned", ErrConflict)
	case models.StatusCancelled:
		return nil, fmt.Errorf("%w: course is no longer available", ErrConflict)
	}

	now := e.now().UTC()
	until := now.Add(e.cfg.ReservationTTL)
	lc := models.LifecycleOf(c)
	lc.Status = models.StatusReserved
	lc.ReservedByDriverID = driverID
	lc.ReservedUntil = &until
	updated, swapped, err := e.store.CompareAndSwapCourse(ctx, courseID,
		store.CourseCond{AnyStatus: []models.CourseStatus{models.StatusOpen}}, lc)
	if err != nil {
		return nil, fmt.Errorf("reserve course %s: %w", courseID, err)
	}
	if !swapped {
		observability.ReservationConflictsTotal.Inc()
		return nil, fmt.Errorf("%w: another driver was faster", ErrConflict)
	}
	observability.ReservationsTotal.Inc()
	e.log.Info("course reserved", "course_id", courseID, "driver_id", driverID, "reserved_until", until)
	e.publish(models.CourseEvent{Type: models.EventCourseReserved, CourseID: courseID, DriverID: driverID, Status: updated.Status, At: now})
	e.broadcast(updated)
	return updated, nil
}

func (e *Engine) publish(ev models.CourseEvent) {
	if err := e.events.Publish(ev); err != nil {
		e.log.Warn("event publish failed", "type", ev.Type, "course_id", ev.CourseID, "error", err)
	}
}

func (e *Engine) broadcast(c *models.Course) {
	if e.watch == nil {
		return
	}
	e.watch.Broadcast(ClaimUpdateFor(c, e.now().UTC()))
}

// ClaimUpdateFor shapes the live claim-state frame for a course.
func ClaimUpdateFor(c *models.Course, now time.Time) models.ClaimUpdate {
	u := models.ClaimUpdate{CourseID: c.ID, Status: c.Status, ReservedUntil: c.ReservedUntil, At: now}
	if c.Status == models.StatusReserved && c.ReservedUntil != nil {
		if rem := int(c.ReservedUntil.Sub(now).Seconds()); rem > 0 {
			u.RemainingSeconds = rem
		}
	}
	return u
}

// Notify forwards a best-effort notification through the wired notifier.
func (e *Engine) Notify(ctx context.Context, event string, payload map[string]any) {
	e.notifier.Notify(ctx, event, payload)
}

func (e *Engine) notifyAdmin(ctx context.Context, event string, payload map[string]any) {
	if e.cfg.AdminEmail != "" {
		payload["to"] = e.cfg.AdminEmail
	}
	e.notifier.Notify(ctx, event, payload)
}
