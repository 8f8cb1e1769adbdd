package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrAlreadySettled is returned by the repository when the external session
// already holds a settlement claim. Callers treat it as "already processed".
var ErrAlreadySettled = errors.New("session already settled")

// Status is the terminal state of a settled session.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is one of the persisted statuses.
func (s Status) Valid() bool {
	return s == StatusCompleted || s == StatusExpired
}

// Order is one materialized line item of a settled checkout session.
// NetAmount + PlatformFee + ProcessingFee always equals TotalAmount.
type Order struct {
	ID                string
	ProductID         string
	SellerID          string
	BuyerID           *string
	BuyerEmail        *string
	ExternalSessionID string
	Status            Status
	Quantity          int
	Amount            decimal.Decimal
	TotalAmount       decimal.Decimal
	Currency          string
	PlatformFee       decimal.Decimal
	ProcessingFee     decimal.Decimal
	NetAmount         decimal.Decimal
	CreatedAt         time.Time
}

// Balanced reports whether the fee/net split adds up to the total.
func (o *Order) Balanced() bool {
	return o.NetAmount.Add(o.PlatformFee).Add(o.ProcessingFee).Equal(o.TotalAmount)
}

// Settlement is the claim recorded for an external session.
type Settlement struct {
	SessionID string
	Status    Status
	Orders    int
	CreatedAt time.Time
}

// Repository defines persistence operations for settlements and their orders.
type Repository interface {
	// Settlement returns the claim for the session, or nil when none exists.
	Settlement(ctx context.Context, sessionID string) (*Settlement, error)
	// CreateBatch records a completed claim and inserts all orders atomically.
	// Returns ErrAlreadySettled when a claim already exists.
	CreateBatch(ctx context.Context, sessionID string, orders []Order) error
	// Expire records an expired claim unless one exists. Reports whether the
	// claim was written.
	Expire(ctx context.Context, sessionID string) (bool, error)
	// BackfillBuyerEmail sets buyer_email on the session's orders that lack one.
	BackfillBuyerEmail(ctx context.Context, sessionID, email string) (int64, error)
	// ListBySession returns the orders of a settled session.
	ListBySession(ctx context.Context, sessionID string) ([]Order, error)
}
