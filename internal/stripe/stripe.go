// Package stripe adapts the Stripe API to the payment domain: checkout session
// retrieval and webhook verification.
package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/pattern-settlement/internal/domain/payment"
)

// Config holds Stripe credentials.
type Config struct {
	SecretKey        string        `usage:"Stripe secret API key" flag:"stripe-secret-key"`
	WebhookSecret    string        `usage:"Stripe webhook signing secret" flag:"stripe-webhook-secret"`
	APIURL           string        `default:"" usage:"Override Stripe API base URL"`
	Timeout          time.Duration `default:"30s" usage:"Stripe API request timeout"`
	WebhookTolerance time.Duration `default:"5m" usage:"Maximum webhook signature age"`
}

var (
	_ payment.Provider        = (*Client)(nil)
	_ payment.WebhookVerifier = (*Client)(nil)
)

// Client implements payment.Provider and payment.WebhookVerifier.
type Client struct {
	sessions      session.Client
	webhookSecret string
	tolerance     time.Duration
}

// New creates a Client. Session retrieval is not retried by the SDK.
func New(cfg Config) *Client {
	bc := &stripeapi.BackendConfig{
		HTTPClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		MaxNetworkRetries: stripeapi.Int64(0),
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelNull},
	}
	if cfg.APIURL != "" {
		bc.URL = stripeapi.String(cfg.APIURL)
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Client{
		sessions: session.Client{
			B:   stripeapi.GetBackendWithConfig(stripeapi.APIBackend, bc),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
	}
}

// RetrieveSession fetches a checkout session with its customer details.
func (c *Client) RetrieveSession(ctx context.Context, id string) (*payment.Session, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx

	cs, err := c.sessions.Get(id, params)
	if err != nil {
		var se *stripeapi.Error
		if errors.As(err, &se) && (se.HTTPStatusCode == http.StatusNotFound || se.Code == stripeapi.ErrorCodeResourceMissing) {
			return nil, payment.ErrSessionNotFound
		}
		return nil, errors.Wrapf(err, "get checkout session %q", id)
	}
	return convertSession(cs), nil
}

// ParseEvent verifies the Stripe-Signature header and decodes the event.
func (c *Client) ParseEvent(payload []byte, signature string) (*payment.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                c.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, errors.Wrap(payment.ErrInvalidSignature, err.Error())
		}
		return nil, errors.Wrap(payment.ErrMalformedEvent, err.Error())
	}

	out := &payment.Event{
		ID:   ev.ID,
		Type: payment.EventType(ev.Type),
	}
	switch out.Type {
	case payment.EventSessionCompleted,
		payment.EventSessionExpired,
		payment.EventSessionAsyncPaymentOK,
		payment.EventSessionAsyncPaymentError:
		if ev.Data == nil {
			return nil, errors.Wrap(payment.ErrMalformedEvent, "missing data")
		}
		var cs stripeapi.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, errors.Wrap(payment.ErrMalformedEvent, err.Error())
		}
		if cs.ID == "" {
			return nil, errors.Wrap(payment.ErrMalformedEvent, "missing session id")
		}
		out.Session = convertSession(&cs)
	}
	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func convertSession(cs *stripeapi.CheckoutSession) *payment.Session {
	s := &payment.Session{
		ID:             cs.ID,
		PaymentStatus:  string(cs.PaymentStatus),
		AmountSubtotal: cs.AmountSubtotal,
		AmountTotal:    cs.AmountTotal,
		Currency:       string(cs.Currency),
		CustomerEmail:  cs.CustomerEmail,
		Metadata:       cs.Metadata,
	}
	if cs.CustomerDetails != nil {
		s.CustomerDetailsEmail = cs.CustomerDetails.Email
		s.CustomerName = cs.CustomerDetails.Name
	}
	return s
}
