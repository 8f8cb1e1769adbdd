// Package settlement converts paid checkout sessions into orders exactly once,
// whichever entry point observes the payment first.
package settlement

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/order"
	"github.com/xenking/pattern-settlement/internal/domain/payment"
)

var (
	// ErrMissingSessionID is returned when no session id is supplied.
	ErrMissingSessionID = errors.New("session id required")
	// ErrPaymentNotCompleted is returned for sessions that are not paid.
	ErrPaymentNotCompleted = errors.New("payment not completed")
)

// Dispatcher schedules post-settlement side effects without blocking.
type Dispatcher interface {
	Dispatch(ctx context.Context, b fanout.Batch)
}

// Outcome is what an entry point reports back to its caller.
type Outcome struct {
	SessionID        string
	Status           order.Status
	OrdersCreated    int
	AlreadyProcessed bool
}

// Service is the settlement entry used by both the pull and push paths.
type Service struct {
	provider     payment.Provider
	materializer *Materializer
	fanout       Dispatcher
}

// NewService creates a settlement Service.
func NewService(provider payment.Provider, materializer *Materializer, fanout Dispatcher) *Service {
	return &Service{
		provider:     provider,
		materializer: materializer,
		fanout:       fanout,
	}
}

// ProcessOrder verifies the session with the provider and settles it.
// An unpaid session is a terminal negative result.
func (s *Service) ProcessOrder(ctx context.Context, sessionID string) (*Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}

	sess, err := s.provider.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "retrieve session")
	}
	if !sess.Paid() {
		return nil, ErrPaymentNotCompleted
	}
	return s.settle(ctx, sess)
}

// Complete settles a session delivered by a verified webhook.
func (s *Service) Complete(ctx context.Context, sess *payment.Session) (*Outcome, error) {
	if sess == nil || sess.ID == "" {
		return nil, ErrMissingSessionID
	}
	if !sess.Paid() {
		return nil, ErrPaymentNotCompleted
	}
	return s.settle(ctx, sess)
}

// Expire marks an unsettled session as expired. It is a no-op once the
// session holds any settlement.
func (s *Service) Expire(ctx context.Context, sessionID string) (*Outcome, error) {
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}
	written, err := s.materializer.Expire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		SessionID:        sessionID,
		Status:           order.StatusExpired,
		AlreadyProcessed: !written,
	}, nil
}

func (s *Service) settle(ctx context.Context, sess *payment.Session) (*Outcome, error) {
	res, err := s.materializer.Materialize(ctx, sess)
	if err != nil {
		return nil, err
	}
	if res.AlreadySettled {
		return &Outcome{
			SessionID:        sess.ID,
			Status:           res.Status,
			OrdersCreated:    res.Existing,
			AlreadyProcessed: true,
		}, nil
	}

	if len(res.Orders) > 0 && s.fanout != nil {
		s.fanout.Dispatch(ctx, fanout.Batch{
			SessionID: sess.ID,
			BuyerName: sess.CustomerName,
			Orders:    res.Orders,
			Products:  res.Products,
			Sellers:   res.Sellers,
		})
	} else if len(res.Orders) == 0 {
		zctx.From(ctx).Warn("Session settled without orders",
			zap.String("session_id", sess.ID),
			zap.Strings("dropped", res.Dropped),
		)
	}

	return &Outcome{
		SessionID:     sess.ID,
		Status:        res.Status,
		OrdersCreated: len(res.Orders),
	}, nil
}
