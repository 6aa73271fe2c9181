package models

import (
	"math"
	"time"
)

// PaymentStatus is the state of one commission payment attempt.
type PaymentStatus string

const (
	PaymentPending      PaymentStatus = "pending"
	PaymentPaid         PaymentStatus = "paid"
	PaymentFailed       PaymentStatus = "failed"
	PaymentRefunded     PaymentStatus = "refunded"
	PaymentRefundNeeded PaymentStatus = "refund_needed"
)

// CommissionPayment records one attempted commission payment for one
// (course, driver) pair, keyed by the gateway checkout session id.
type CommissionPayment struct {
	ID                string        `json:"id"`
	CourseID          string        `json:"course_id"`
	DriverID          string        `json:"driver_id"`
	Provider          string        `json:"provider"`
	ProviderPaymentID string        `json:"provider_payment_id,omitempty"`
	SessionID         string        `json:"session_id"`
	Amount            float64       `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
}

// CommissionFor computes the commission owed on a course price, rounded
// half away from zero to two decimals.
func CommissionFor(price, rate float64) float64 {
	return math.Round(price*rate*100) / 100
}

// Cents converts a rounded decimal amount to integer minor units. Amounts
// sent to the payment gateway are always derived this way, never computed
// directly in cents.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
