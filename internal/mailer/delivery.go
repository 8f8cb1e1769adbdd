package mailer

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/order"
	"github.com/xenking/pattern-settlement/internal/domain/product"
)

var _ fanout.Deliverer = (*Delivery)(nil)

// Delivery asks the delivery service to watermark the product files and mail
// them to the buyer.
type Delivery struct {
	c   *client
	url string
}

// NewDelivery creates a Delivery client.
func NewDelivery(cfg Config) *Delivery {
	return &Delivery{c: newClient(cfg), url: cfg.DeliveryURL}
}

// Deliver sends one order's files.
func (d *Delivery) Deliver(ctx context.Context, o order.Order, p product.Product, buyerEmail string) error {
	if d.url == "" {
		zctx.From(ctx).Info("Delivery endpoint not configured, skipping",
			zap.String("order_id", o.ID),
			zap.Int("files", len(p.Files)),
		)
		return nil
	}
	if err := d.c.post(ctx, d.url, encodeDelivery(o, p, buyerEmail)); err != nil {
		return errors.Wrapf(err, "deliver order %s", o.ID)
	}
	return nil
}

func encodeDelivery(o order.Order, p product.Product, buyerEmail string) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("orderId", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("sessionId", func(e *jx.Encoder) { e.Str(o.ExternalSessionID) })
		e.Field("productId", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("productTitle", func(e *jx.Encoder) { e.Str(p.Title) })
		e.Field("buyerEmail", func(e *jx.Encoder) { e.Str(buyerEmail) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(o.Quantity) })
		e.Field("files", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, f := range p.Files {
					e.Str(f)
				}
			})
		})
	})
	return e.Bytes()
}
