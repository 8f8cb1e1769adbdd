package main

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/pattern-settlement/internal/domain/product"
)

type catalog struct {
	Sellers  []product.Seller
	Products []product.Product
}

// decodeCatalog parses {"sellers":[...],"products":[...]}. Products default
// to active, and every product must reference a seller from the file.
func decodeCatalog(data []byte) (*catalog, error) {
	var cat catalog
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "sellers":
			return d.Arr(func(d *jx.Decoder) error {
				s, err := decodeSeller(d)
				if err != nil {
					return errors.Wrapf(err, "seller %d", len(cat.Sellers))
				}
				cat.Sellers = append(cat.Sellers, s)
				return nil
			})
		case "products":
			return d.Arr(func(d *jx.Decoder) error {
				p, err := decodeProduct(d)
				if err != nil {
					return errors.Wrapf(err, "product %d", len(cat.Products))
				}
				cat.Products = append(cat.Products, p)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(cat.Sellers))
	for _, s := range cat.Sellers {
		if s.ID == "" {
			return nil, errors.New("seller without id")
		}
		known[s.ID] = struct{}{}
	}
	for _, p := range cat.Products {
		if p.ID == "" {
			return nil, errors.New("product without id")
		}
		if _, ok := known[p.SellerID]; !ok {
			return nil, errors.Errorf("product %s references unknown seller %q", p.ID, p.SellerID)
		}
		if !p.Price.IsPositive() {
			return nil, errors.Errorf("product %s has non-positive price", p.ID)
		}
	}
	return &cat, nil
}

func decodeSeller(d *jx.Decoder) (product.Seller, error) {
	var s product.Seller
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			s.ID, err = d.Str()
		case "email":
			s.Email, err = d.Str()
		case "displayName":
			s.DisplayName, err = d.Str()
		case "paymentAccountId":
			s.PaymentAccountID, err = d.Str()
		case "completedSalesCount":
			s.CompletedSalesCount, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	return s, err
}

func decodeProduct(d *jx.Decoder) (product.Product, error) {
	p := product.Product{Active: true, Currency: "usd"}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Str()
		case "sellerId":
			p.SellerID, err = d.Str()
		case "title":
			p.Title, err = d.Str()
		case "price":
			var raw string
			if raw, err = d.Str(); err == nil {
				p.Price, err = decimal.NewFromString(raw)
			}
		case "currency":
			p.Currency, err = d.Str()
		case "active":
			p.Active, err = d.Bool()
		case "files":
			p.Files = []string{}
			err = d.Arr(func(d *jx.Decoder) error {
				f, err := d.Str()
				p.Files = append(p.Files, f)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	return p, err
}
