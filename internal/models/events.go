package models

import "time"

// Course lifecycle event types, published to the ops/analytics stream.
const (
	EventCourseCreated      = "course.created"
	EventCourseReserved     = "course.reserved"
	EventReservationExpired = "course.reservation_expired"
	EventCourseAssigned     = "course.assigned"
	EventCourseDone         = "course.done"
	EventCourseCancelled    = "course.cancelled"
	EventPaymentInitiated   = "payment.initiated"
	EventPaymentFinalized   = "payment.finalized"
	EventRefundNeeded       = "payment.refund_needed"
	EventWebhookFailed      = "webhook.failed"
)

// CourseEvent is one lifecycle event on the course stream, keyed by course id.
type CourseEvent struct {
	Type     string       `json:"type"`
	CourseID string       `json:"course_id"`
	DriverID string       `json:"driver_id,omitempty"`
	Status   CourseStatus `json:"status,omitempty"`
	Detail   string       `json:"detail,omitempty"`
	At       time.Time    `json:"at"`
}

// ClaimUpdate is the live claim-state frame pushed to claim-watch sockets.
type ClaimUpdate struct {
	CourseID         string       `json:"course_id"`
	Status           CourseStatus `json:"status"`
	ReservedUntil    *time.Time   `json:"reserved_until,omitempty"`
	RemainingSeconds int          `json:"remaining_seconds"`
	At               time.Time    `json:"at"`
}
