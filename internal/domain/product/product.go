package product

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is the read model of a pattern listing.
type Product struct {
	ID       string
	SellerID string
	Title    string
	Price    decimal.Decimal
	Currency string
	Files    []string
	Active   bool
}

// HasFiles reports whether the product carries deliverable files.
func (p *Product) HasFiles() bool {
	return len(p.Files) > 0
}

// Seller is the read model of a seller profile.
type Seller struct {
	ID                  string
	Email               string
	DisplayName         string
	PaymentAccountID    string
	CompletedSalesCount int
}

// Repository defines read operations for products.
type Repository interface {
	// GetByIDs returns products matching any of the given IDs. Missing IDs
	// are omitted from the result.
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}

// SellerRepository defines read operations for seller profiles.
type SellerRepository interface {
	GetSellersByIDs(ctx context.Context, ids []string) ([]Seller, error)
}
