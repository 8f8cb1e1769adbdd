// Package payment describes the checkout session as seen by settlement,
// independent of the payment provider that produced it.
package payment

import (
	"context"

	"github.com/go-faster/errors"
)

var (
	// ErrSessionNotFound is returned when the provider has no such session.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent is returned for a correctly signed payload that
	// cannot be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Payment statuses reported by the provider.
const (
	StatusPaid              = "paid"
	StatusUnpaid            = "unpaid"
	StatusNoPaymentRequired = "no_payment_required"
)

// Metadata keys written at checkout creation.
const (
	MetaBuyerID          = "buyer_id"
	MetaBuyerEmail       = "buyer_email"
	MetaProductID        = "product_id"
	MetaQuantity         = "quantity"
	MetaCartItems        = "cart_items"
	MetaSellerAccountIDs = "seller_account_ids"
)

// Session is a checkout session. Amounts are in minor units.
type Session struct {
	ID                   string
	PaymentStatus        string
	AmountSubtotal       int64
	AmountTotal          int64
	Currency             string
	CustomerEmail        string
	CustomerDetailsEmail string
	CustomerName         string
	Metadata             map[string]string
}

// Paid reports whether the session's funds are captured.
func (s *Session) Paid() bool {
	return s.PaymentStatus == StatusPaid || s.PaymentStatus == StatusNoPaymentRequired
}

// Meta returns a metadata value or empty string.
func (s *Session) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// EventType is a webhook event kind.
type EventType string

const (
	EventSessionCompleted         EventType = "checkout.session.completed"
	EventSessionExpired           EventType = "checkout.session.expired"
	EventSessionAsyncPaymentOK    EventType = "checkout.session.async_payment_succeeded"
	EventSessionAsyncPaymentError EventType = "checkout.session.async_payment_failed"
)

// Event is a verified webhook event. Session is nil for event types that do
// not carry a checkout session.
type Event struct {
	ID      string
	Type    EventType
	Session *Session
}

// Provider retrieves sessions from the payment provider.
type Provider interface {
	RetrieveSession(ctx context.Context, id string) (*Session, error)
}

// WebhookVerifier verifies and decodes webhook deliveries.
type WebhookVerifier interface {
	ParseEvent(payload []byte, signature string) (*Event, error)
}
