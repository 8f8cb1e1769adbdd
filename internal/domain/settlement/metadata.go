package settlement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/pattern-settlement/internal/domain/payment"
)

// MaxCartLines bounds the number of distinct lines in a cart payload.
const MaxCartLines = 100

// cartVersion is the current versioned cart envelope.
const cartVersion = 1

// MetadataError reports session metadata that cannot be settled.
type MetadataError struct {
	Key    string
	Reason string
	Err    error
}

func (e *MetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata %q: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("metadata %q: %s", e.Key, e.Reason)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// LineItem is one purchased product and its quantity.
type LineItem struct {
	ProductID string
	Quantity  int
}

// Purchase is the typed view of a session's metadata.
type Purchase struct {
	BuyerID    *string
	BuyerEmail *string
	Items      []LineItem
	// Cart is true when items came from the cart payload. Cart purchases
	// allocate session tax per item; single purchases use session amounts.
	Cart           bool
	SellerAccounts []string
}

// ParsePurchase decodes session metadata. A cart payload wins over a single
// product id when both are present.
func ParsePurchase(sess *payment.Session) (*Purchase, error) {
	p := &Purchase{
		BuyerID:        optional(sess.Meta(payment.MetaBuyerID)),
		BuyerEmail:     resolveBuyerEmail(sess),
		SellerAccounts: splitList(sess.Meta(payment.MetaSellerAccountIDs)),
	}

	if raw := strings.TrimSpace(sess.Meta(payment.MetaCartItems)); raw != "" {
		items, err := DecodeCart(raw)
		if err != nil {
			return nil, err
		}
		p.Items = items
		p.Cart = true
		return p, nil
	}

	id := strings.TrimSpace(sess.Meta(payment.MetaProductID))
	if id == "" {
		return nil, &MetadataError{Key: payment.MetaProductID, Reason: "no product or cart"}
	}
	qty := 1
	if raw := sess.Meta(payment.MetaQuantity); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &MetadataError{Key: payment.MetaQuantity, Reason: "not a number", Err: err}
		}
		if n <= 0 {
			return nil, &MetadataError{Key: payment.MetaQuantity, Reason: "must be positive"}
		}
		qty = n
	}
	p.Items = []LineItem{{ProductID: id, Quantity: qty}}
	return p, nil
}

// DecodeCart decodes a cart payload. Two shapes are accepted:
//
//	[{"productId":"p1","quantity":2}]             legacy, version 0
//	{"v":1,"items":[{"productId":"p1","quantity":2}]}
//
// Lines for the same product are merged, first-seen order is kept.
func DecodeCart(raw string) ([]LineItem, error) {
	d := jx.DecodeStr(raw)

	var (
		items []LineItem
		err   error
	)
	switch d.Next() {
	case jx.Array:
		items, err = decodeLines(d)
	case jx.Object:
		items, err = decodeEnvelope(d)
	default:
		return nil, &MetadataError{Key: payment.MetaCartItems, Reason: "expected array or object"}
	}
	if err != nil {
		var me *MetadataError
		if errors.As(err, &me) {
			return nil, me
		}
		return nil, &MetadataError{Key: payment.MetaCartItems, Reason: "malformed json", Err: err}
	}

	if len(items) == 0 {
		return nil, &MetadataError{Key: payment.MetaCartItems, Reason: "empty cart"}
	}
	items = mergeLines(items)
	if len(items) > MaxCartLines {
		return nil, &MetadataError{
			Key:    payment.MetaCartItems,
			Reason: fmt.Sprintf("cart has %d lines, limit is %d", len(items), MaxCartLines),
		}
	}
	return items, nil
}

func decodeEnvelope(d *jx.Decoder) ([]LineItem, error) {
	var (
		items   []LineItem
		version = -1
	)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "v":
			v, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "version")
			}
			version = v
			return nil
		case "items":
			lines, err := decodeLines(d)
			if err != nil {
				return err
			}
			items = lines
			return nil
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, err
	}
	if version != cartVersion {
		return nil, &MetadataError{
			Key:    payment.MetaCartItems,
			Reason: fmt.Sprintf("unsupported cart version %d", version),
		}
	}
	return items, nil
}

func decodeLines(d *jx.Decoder) ([]LineItem, error) {
	var items []LineItem
	err := d.Arr(func(d *jx.Decoder) error {
		item := LineItem{Quantity: 1}
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "productId", "product_id":
				s, err := d.Str()
				if err != nil {
					return errors.Wrap(err, "productId")
				}
				item.ProductID = strings.TrimSpace(s)
				return nil
			case "quantity":
				n, err := d.Int()
				if err != nil {
					return errors.Wrap(err, "quantity")
				}
				item.Quantity = n
				return nil
			default:
				return d.Skip()
			}
		}); err != nil {
			return err
		}
		if item.ProductID == "" {
			return &MetadataError{
				Key:    payment.MetaCartItems,
				Reason: fmt.Sprintf("line %d: empty product id", len(items)),
			}
		}
		if item.Quantity <= 0 {
			return &MetadataError{
				Key:    payment.MetaCartItems,
				Reason: fmt.Sprintf("line %d: quantity must be positive", len(items)),
			}
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

func mergeLines(items []LineItem) []LineItem {
	idx := make(map[string]int, len(items))
	out := items[:0]
	for _, it := range items {
		if i, ok := idx[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out
}

// resolveBuyerEmail prefers the email stamped at checkout, then the one the
// buyer typed into the provider's form.
func resolveBuyerEmail(sess *payment.Session) *string {
	if e := optional(sess.Meta(payment.MetaBuyerEmail)); e != nil {
		return e
	}
	return optional(sess.CustomerEmail)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
