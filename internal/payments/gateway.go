package payments

import "context"

// CheckoutSession is the gateway-neutral view of a hosted checkout session.
type CheckoutSession struct {
	ID              string
	URL             string
	PaymentStatus   string // "paid", "unpaid", "no_payment_required"
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
}

// WebhookEvent is one gateway-pushed event. Only completed checkout
// sessions are acted on; everything else is acknowledged and ignored.
type WebhookEvent struct {
	Type    string
	Session CheckoutSession
}

// CreateSessionParams describes one commission checkout. AmountCents is
// integer minor units derived from the rounded commission amount.
type CreateSessionParams struct {
	AmountCents int64
	Currency    string
	Description string
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
}

// Gateway is the payment-provider contract consumed by the engine. A fake
// implements it in tests; StripeGateway implements it in production.
type Gateway interface {
	CreateSession(ctx context.Context, p CreateSessionParams) (*CheckoutSession, error)
	GetSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	// VerifyWebhook authenticates a raw webhook delivery and decodes it.
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
