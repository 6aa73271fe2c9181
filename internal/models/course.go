package models

import (
	"fmt"
	"time"
)

// CourseStatus is the primary lifecycle state of a subcontracted course.
type CourseStatus string

const (
	StatusOpen      CourseStatus = "OPEN"
	StatusReserved  CourseStatus = "RESERVED"
	StatusAssigned  CourseStatus = "ASSIGNED"
	StatusDone      CourseStatus = "DONE"
	StatusCancelled CourseStatus = "CANCELLED"
)

// Cancellation sub-reasons, recorded as metadata on CANCELLED courses
// rather than as separate primary states.
const (
	CancelReasonAdmin      = "admin"
	CancelReasonDriver     = "driver"
	CancelReasonDriverLate = "driver_late"
	CancelReasonClient     = "client"
	CancelReasonClientLate = "client_late"
)

// Course is a ride offered for subcontracted fulfillment. Client and route
// fields are immutable after creation; the lifecycle fields are only mutated
// through the store's conditional update.
type Course struct {
	ID string `json:"id"`

	ClientName     string  `json:"client_name"`
	ClientEmail    string  `json:"client_email,omitempty"`
	ClientPhone    string  `json:"client_phone,omitempty"`
	PickupAddress  string  `json:"pickup_address"`
	DropoffAddress string  `json:"dropoff_address"`
	Date           string  `json:"date"` // YYYY-MM-DD
	Time           string  `json:"time"` // HH:MM
	DistanceKm     float64 `json:"distance_km,omitempty"`
	PriceTotal     float64 `json:"price_total"`
	Notes          string  `json:"notes,omitempty"`

	Status             CourseStatus `json:"status"`
	ReservedByDriverID string       `json:"reserved_by_driver_id,omitempty"`
	ReservedUntil      *time.Time   `json:"reserved_until,omitempty"`
	AssignedDriverID   string       `json:"assigned_driver_id,omitempty"`
	AssignedAt         *time.Time   `json:"assigned_at,omitempty"`
	CancelReason       string       `json:"cancel_reason,omitempty"`

	CommissionRate   float64    `json:"commission_rate"`
	CommissionAmount float64    `json:"commission_amount"`
	CommissionPaid   bool       `json:"commission_paid"`
	CommissionPaidAt *time.Time `json:"commission_paid_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PickupTime parses the course date and time into a single UTC timestamp.
func (c *Course) PickupTime() (time.Time, error) {
	t, err := time.Parse("2006-01-02 15:04", c.Date+" "+c.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse pickup datetime %q %q: %w", c.Date, c.Time, err)
	}
	return t.UTC(), nil
}

// Lifecycle is the complete set of mutable lifecycle fields of a Course.
// Conditional updates replace all of them atomically, so callers build a
// Lifecycle from the course they just read and change only what they mean
// to change.
type Lifecycle struct {
	Status             CourseStatus
	ReservedByDriverID string
	ReservedUntil      *time.Time
	AssignedDriverID   string
	AssignedAt         *time.Time
	CancelReason       string
	CommissionAmount   float64
	CommissionPaid     bool
	CommissionPaidAt   *time.Time
}

// LifecycleOf snapshots the current lifecycle fields of a course.
func LifecycleOf(c *Course) Lifecycle {
	return Lifecycle{
		Status:             c.Status,
		ReservedByDriverID: c.ReservedByDriverID,
		ReservedUntil:      c.ReservedUntil,
		AssignedDriverID:   c.AssignedDriverID,
		AssignedAt:         c.AssignedAt,
		CancelReason:       c.CancelReason,
		CommissionAmount:   c.CommissionAmount,
		CommissionPaid:     c.CommissionPaid,
		CommissionPaidAt:   c.CommissionPaidAt,
	}
}

// OpenLifecycle returns the course's lifecycle reset to OPEN with all
// reservation and assignment fields cleared. Commission-paid fields are
// carried as-is; callers guarding reset-to-open must refuse paid courses.
func OpenLifecycle(c *Course) Lifecycle {
	lc := LifecycleOf(c)
	lc.Status = StatusOpen
	lc.ReservedByDriverID = ""
	lc.ReservedUntil = nil
	lc.AssignedDriverID = ""
	lc.AssignedAt = nil
	lc.CancelReason = ""
	return lc
}

// Apply copies the lifecycle fields onto the course.
func (lc Lifecycle) Apply(c *Course) {
	c.Status = lc.Status
	c.ReservedByDriverID = lc.ReservedByDriverID
	c.ReservedUntil = lc.ReservedUntil
	c.AssignedDriverID = lc.AssignedDriverID
	c.AssignedAt = lc.AssignedAt
	c.CancelReason = lc.CancelReason
	c.CommissionAmount = lc.CommissionAmount
	c.CommissionPaid = lc.CommissionPaid
	c.CommissionPaidAt = lc.CommissionPaidAt
}

// SweepReservation implements lazy reservation expiry as a pure function:
// a RESERVED course whose hold deadline has passed is reset to OPEN with
// the reservation fields cleared. Returns true when the course changed.
// Callers persist the change through a conditional update keyed on the
// pre-sweep reservation so a stale sweep can never clobber a newer hold.
func SweepReservation(c *Course, now time.Time) bool {
	if c.Status != StatusReserved {
		return false
	}
	if c.ReservedUntil == nil || c.ReservedUntil.After(now) {
		return false
	}
	c.Status = StatusOpen
	c.ReservedByDriverID = ""
	c.ReservedUntil = nil
	return true
}
