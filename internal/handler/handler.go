// Package handler exposes the settlement entry points over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/payment"
	"github.com/xenking/pattern-settlement/internal/domain/settlement"
)

// Settler is the settlement service as used by the entry points.
type Settler interface {
	ProcessOrder(ctx context.Context, sessionID string) (*settlement.Outcome, error)
	Complete(ctx context.Context, sess *payment.Session) (*settlement.Outcome, error)
	Expire(ctx context.Context, sessionID string) (*settlement.Outcome, error)
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// MaxBodyBytes caps request bodies on both entry points.
	MaxBodyBytes int64
	// SignatureHeader names the webhook signature header.
	SignatureHeader string
}

// Handler serves the pull and push entry points.
type Handler struct {
	settler    Settler
	verifier   payment.WebhookVerifier
	quarantine fanout.DeadLetterSink

	maxBody   int64
	sigHeader string
}

// NewHandler constructs a Handler. Quarantine receives webhook payloads that
// are signed but cannot be settled.
func NewHandler(
	cfg HandlerConfig,
	settler Settler,
	verifier payment.WebhookVerifier,
	quarantine fanout.DeadLetterSink,
) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "Stripe-Signature"
	}
	return &Handler{
		settler:    settler,
		verifier:   verifier,
		quarantine: quarantine,
		maxBody:    cfg.MaxBodyBytes,
		sigHeader:  cfg.SignatureHeader,
	}
}

// Mount registers the routes. Middlewares in pull apply to the client-facing
// process-order route only; the webhook is rate limited by the provider.
func (h *Handler) Mount(r chi.Router, pull ...func(http.Handler) http.Handler) {
	r.With(pull...).Post("/process-order", h.ProcessOrder)
	r.Post("/webhooks/payments", h.Webhook)
}

func writeJSON(w http.ResponseWriter, status int, body func(e *jx.Encoder)) {
	var e jx.Encoder
	e.Obj(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Field("error", func(e *jx.Encoder) { e.Str(msg) })
	})
}
