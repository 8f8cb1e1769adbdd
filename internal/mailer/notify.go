package mailer

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
)

var _ fanout.Notifier = (*Notifier)(nil)

// Notifier emails sellers about their sales.
type Notifier struct {
	c   *client
	url string
}

// NewNotifier creates a Notifier client.
func NewNotifier(cfg Config) *Notifier {
	return &Notifier{c: newClient(cfg), url: cfg.NotificationURL}
}

// NotifySeller sends one aggregated notification.
func (n *Notifier) NotifySeller(ctx context.Context, sn fanout.SellerNotification) error {
	if n.url == "" {
		zctx.From(ctx).Info("Notification endpoint not configured, skipping",
			zap.String("seller_id", sn.SellerID),
			zap.Strings("order_ids", sn.OrderIDs),
		)
		return nil
	}
	if err := n.c.post(ctx, n.url, encodeNotification(sn)); err != nil {
		return errors.Wrapf(err, "notify seller %s", sn.SellerID)
	}
	return nil
}

func encodeNotification(sn fanout.SellerNotification) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("sellerEmail", func(e *jx.Encoder) { e.Str(sn.SellerEmail) })
		e.Field("productTitle", func(e *jx.Encoder) { e.Str(sn.ProductTitle) })
		e.Field("orderId", func(e *jx.Encoder) { e.Str(sn.OrderID) })
		e.Field("orderIds", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, id := range sn.OrderIDs {
					e.Str(id)
				}
			})
		})
		e.Field("saleAmount", func(e *jx.Encoder) { e.Str(sn.SaleAmount.StringFixed(2)) })
		e.Field("platformFee", func(e *jx.Encoder) { e.Str(sn.PlatformFee.StringFixed(2)) })
		e.Field("netAmount", func(e *jx.Encoder) { e.Str(sn.NetAmount.StringFixed(2)) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(sn.Currency) })
		if sn.BuyerName != nil {
			e.Field("buyerName", func(e *jx.Encoder) { e.Str(*sn.BuyerName) })
		}
		if sn.BuyerEmail != nil {
			e.Field("buyerEmail", func(e *jx.Encoder) { e.Str(*sn.BuyerEmail) })
		}
	})
	return e.Bytes()
}
