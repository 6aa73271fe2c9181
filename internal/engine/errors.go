package engine

import (
	"errors"
	"fmt"

	"github.com/example/vtc-dispatch/internal/store"
)

// Business-rule violations are returned as typed sentinels with no partial
// state mutation; the HTTP layer maps them onto status codes.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrExpired    = errors.New("expired")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")

	// ErrGatewayUnconfigured means no payment gateway is wired at all;
	// ErrGateway is a failure talking to a configured provider.
	ErrGatewayUnconfigured = errors.New("payment gateway not configured")
	ErrGateway             = errors.New("payment gateway error")

	// ErrRefundInvestigation flags a paid commission whose course is no
	// longer attributable to the payer. The payment is kept on file as
	// refund_needed for manual admin reconciliation; nothing auto-refunds.
	ErrRefundInvestigation = errors.New("refund investigation needed")
)

func notFound(what, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}
