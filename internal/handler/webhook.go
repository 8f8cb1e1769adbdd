package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/payment"
	"github.com/xenking/pattern-settlement/internal/domain/settlement"
)

// KindWebhookPayload marks quarantined webhook deliveries in the dead-letter log.
const KindWebhookPayload = "webhook_payload"

// Webhook handles POST /webhooks/payments. The provider retries only on 5xx,
// so 500 is reserved for infrastructure failures; business outcomes and
// unsettleable payloads are acknowledged.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	ev, err := h.verifier.ParseEvent(payload, r.Header.Get(h.sigHeader))
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		lg.Warn("Webhook signature rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	case errors.Is(err, payment.ErrMalformedEvent):
		h.quarantineOrFail(ctx, w, "", payload, err)
		return
	case err != nil:
		lg.Error("Webhook verification failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	lg = lg.With(zap.String("event_id", ev.ID), zap.String("event_type", string(ev.Type)))
	ctx = zctx.Base(ctx, lg)

	switch ev.Type {
	case payment.EventSessionCompleted, payment.EventSessionAsyncPaymentOK:
		if ev.Session == nil {
			h.quarantineOrFail(ctx, w, "", payload, payment.ErrMalformedEvent)
			return
		}
		h.complete(ctx, w, ev, payload)
	case payment.EventSessionExpired, payment.EventSessionAsyncPaymentError:
		if ev.Session == nil {
			h.quarantineOrFail(ctx, w, "", payload, payment.ErrMalformedEvent)
			return
		}
		h.expire(ctx, w, ev)
	default:
		lg.Debug("Ignoring webhook event")
		writeReceived(w)
	}
}

func (h *Handler) complete(ctx context.Context, w http.ResponseWriter, ev *payment.Event, payload []byte) {
	lg := zctx.From(ctx).With(zap.String("session_id", ev.Session.ID))

	out, err := h.settler.Complete(ctx, ev.Session)
	if err != nil {
		var me *settlement.MetadataError
		switch {
		case errors.Is(err, settlement.ErrPaymentNotCompleted):
			lg.Info("Session completed without payment, awaiting async result",
				zap.String("payment_status", ev.Session.PaymentStatus),
			)
			writeReceived(w)
		case errors.As(err, &me), errors.Is(err, settlement.ErrMissingSessionID):
			h.quarantineOrFail(ctx, w, ev.Session.ID, payload, err)
		default:
			lg.Error("Webhook settlement failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		}
		return
	}

	lg.Info("Webhook settled session",
		zap.Int("orders", out.OrdersCreated),
		zap.Bool("already_processed", out.AlreadyProcessed),
	)
	writeReceived(w)
}

func (h *Handler) expire(ctx context.Context, w http.ResponseWriter, ev *payment.Event) {
	lg := zctx.From(ctx).With(zap.String("session_id", ev.Session.ID))

	out, err := h.settler.Expire(ctx, ev.Session.ID)
	if err != nil {
		lg.Error("Webhook expiry failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	lg.Info("Webhook expiry handled", zap.Bool("already_processed", out.AlreadyProcessed))
	writeReceived(w)
}

// quarantineOrFail records the payload as a dead letter and acknowledges it.
// If the dead letter cannot be stored the provider is asked to retry.
func (h *Handler) quarantineOrFail(ctx context.Context, w http.ResponseWriter, sessionID string, payload []byte, cause error) {
	lg := zctx.From(ctx)
	lg.Warn("Quarantining webhook payload", zap.String("session_id", sessionID), zap.Error(cause))

	if h.quarantine != nil {
		err := h.quarantine.Record(ctx, fanout.DeadLetter{
			Kind:      KindWebhookPayload,
			Ref:       sessionID,
			SessionID: sessionID,
			Attempts:  1,
			Error:     cause.Error(),
			Payload:   payload,
			CreatedAt: time.Now(),
		})
		if err != nil {
			lg.Error("Quarantine webhook payload", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Webhook processing failed")
			return
		}
	}
	writeReceived(w)
}

func writeReceived(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Field("received", func(e *jx.Encoder) { e.Bool(true) })
	})
}
