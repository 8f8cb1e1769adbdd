package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pattern-settlement/internal/domain/payment"
	"github.com/xenking/pattern-settlement/internal/domain/settlement"
)

// ProcessOrder handles POST /process-order: {"sessionId": "..."}.
func (h *Handler) ProcessOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}
	sessionID, err := decodeProcessOrder(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := h.settler.ProcessOrder(r.Context(), sessionID)
	if err != nil {
		status, msg := mapSettlementError(err)
		lg := zctx.From(r.Context()).With(zap.String("session_id", sessionID))
		if status >= http.StatusInternalServerError {
			lg.Error("Process order failed", zap.Error(err))
		} else {
			lg.Info("Process order rejected", zap.Int("status", status), zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
		e.Field("ordersCreated", func(e *jx.Encoder) { e.Int(out.OrdersCreated) })
		e.Field("alreadyProcessed", func(e *jx.Encoder) { e.Bool(out.AlreadyProcessed) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(out.Status)) })
	})
}

func decodeProcessOrder(body []byte) (string, error) {
	var sessionID string
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "sessionId", "session_id":
			if d.Next() != jx.String {
				return d.Skip()
			}
			s, err := d.Str()
			sessionID = s
			return err
		default:
			return d.Skip()
		}
	})
	return sessionID, err
}

// mapSettlementError converts settlement errors to an HTTP status and a
// caller-safe message.
func mapSettlementError(err error) (int, string) {
	if errors.Is(err, settlement.ErrMissingSessionID) {
		return http.StatusBadRequest, "Missing session ID"
	}
	if errors.Is(err, payment.ErrSessionNotFound) {
		return http.StatusNotFound, "Session not found"
	}
	if errors.Is(err, settlement.ErrPaymentNotCompleted) {
		return http.StatusBadRequest, "Payment not completed"
	}

	var me *settlement.MetadataError
	if errors.As(err, &me) {
		return http.StatusBadRequest, "Invalid order metadata"
	}

	return http.StatusInternalServerError, "Processing failed"
}
