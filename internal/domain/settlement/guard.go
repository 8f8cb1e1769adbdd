package settlement

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/pattern-settlement/internal/domain/order"
)

// Claim is the result of an idempotency check.
type Claim struct {
	AlreadySettled bool
	Status         order.Status
	Existing       int
}

// Guard checks whether an external session has been settled. The check is
// advisory: the storage unique key on the claim is what rejects a racing
// second writer, and that rejection surfaces as order.ErrAlreadySettled.
type Guard struct {
	orders order.Repository
}

// NewGuard creates a Guard over the order repository.
func NewGuard(orders order.Repository) *Guard {
	return &Guard{orders: orders}
}

// TryClaim reports whether the session already holds a settlement.
func (g *Guard) TryClaim(ctx context.Context, sessionID string) (Claim, error) {
	s, err := g.orders.Settlement(ctx, sessionID)
	if err != nil {
		return Claim{}, errors.Wrap(err, "read settlement")
	}
	if s == nil {
		return Claim{}, nil
	}
	return Claim{
		AlreadySettled: true,
		Status:         s.Status,
		Existing:       s.Orders,
	}, nil
}
