// Package fanout runs post-settlement side effects: file delivery, seller
// notification and loyalty awards. Work is queued and executed by a bounded
// worker pool so settlement never waits on a collaborator.
package fanout

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/pattern-settlement/internal/domain/order"
	"github.com/xenking/pattern-settlement/internal/domain/product"
)

// Batch is a newly materialized set of orders for one session.
type Batch struct {
	SessionID string
	BuyerName string
	Orders    []order.Order
	Products  map[string]product.Product
	Sellers   map[string]product.Seller
}

// Deliverer sends purchased files to the buyer.
type Deliverer interface {
	Deliver(ctx context.Context, o order.Order, p product.Product, buyerEmail string) error
}

// SellerNotification is one seller's share of a batch. Amounts are summed
// over the seller's orders.
type SellerNotification struct {
	SellerID     string
	SellerEmail  string
	ProductTitle string
	OrderID      string
	OrderIDs     []string
	SaleAmount   decimal.Decimal
	PlatformFee  decimal.Decimal
	NetAmount    decimal.Decimal
	Currency     string
	BuyerName    *string
	BuyerEmail   *string
}

// Notifier tells a seller about a sale.
type Notifier interface {
	NotifySeller(ctx context.Context, n SellerNotification) error
}

// Role of a loyalty account in an order.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// PointsAward is a loyalty credit for one account on one order.
type PointsAward struct {
	OrderID   string
	AccountID string
	Role      Role
	Points    int64
}

// LoyaltyLedger persists point awards. Awards already recorded for the same
// (order, account, role) are ignored.
type LoyaltyLedger interface {
	Award(ctx context.Context, awards []PointsAward) (int64, error)
}

// DeadLetter is a side effect that could not be completed.
type DeadLetter struct {
	Kind      string
	Ref       string
	SessionID string
	Attempts  int
	Error     string
	Payload   []byte
	CreatedAt time.Time
}

// DeadLetterSink records failed side effects for later inspection.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

// Notifications aggregates the batch per seller, in first-seen order.
func Notifications(b Batch) []SellerNotification {
	var (
		out    []SellerNotification
		idx    = make(map[string]int)
		titles = make(map[string][]string)
	)
	for _, o := range b.Orders {
		i, ok := idx[o.SellerID]
		if !ok {
			seller := b.Sellers[o.SellerID]
			n := SellerNotification{
				SellerID:    o.SellerID,
				SellerEmail: seller.Email,
				OrderID:     o.ID,
				SaleAmount:  decimal.Zero,
				PlatformFee: decimal.Zero,
				NetAmount:   decimal.Zero,
				Currency:    o.Currency,
				BuyerEmail:  o.BuyerEmail,
			}
			if b.BuyerName != "" {
				name := b.BuyerName
				n.BuyerName = &name
			}
			i = len(out)
			idx[o.SellerID] = i
			out = append(out, n)
		}
		n := &out[i]
		n.OrderIDs = append(n.OrderIDs, o.ID)
		n.SaleAmount = n.SaleAmount.Add(o.TotalAmount)
		n.PlatformFee = n.PlatformFee.Add(o.PlatformFee).Add(o.ProcessingFee)
		n.NetAmount = n.NetAmount.Add(o.NetAmount)
		if p, ok := b.Products[o.ProductID]; ok && p.Title != "" {
			titles[o.SellerID] = append(titles[o.SellerID], p.Title)
		}
	}
	for i := range out {
		out[i].ProductTitle = strings.Join(titles[out[i].SellerID], ", ")
	}
	return out
}

// Awards computes loyalty points for the batch: the buyer earns one point per
// whole currency unit paid, the seller one per whole unit netted.
func Awards(b Batch) []PointsAward {
	var out []PointsAward
	for _, o := range b.Orders {
		if o.BuyerID != nil && *o.BuyerID != "" {
			if pts := o.TotalAmount.Floor().IntPart(); pts > 0 {
				out = append(out, PointsAward{OrderID: o.ID, AccountID: *o.BuyerID, Role: RoleBuyer, Points: pts})
			}
		}
		if pts := o.NetAmount.Floor().IntPart(); pts > 0 && o.SellerID != "" {
			out = append(out, PointsAward{OrderID: o.ID, AccountID: o.SellerID, Role: RoleSeller, Points: pts})
		}
	}
	return out
}
