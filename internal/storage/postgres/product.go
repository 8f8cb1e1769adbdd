package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pattern-settlement/internal/domain/product"
)

const (
	getProductsByIDsSQL = `SELECT id, seller_id, title, price, currency, files, active
		FROM products WHERE id = ANY($1)`

	getSellersByIDsSQL = `SELECT id, email, display_name, payment_account_id, completed_sales_count
		FROM seller_profiles WHERE id = ANY($1)`

	upsertSellerSQL = `INSERT INTO seller_profiles (id, email, display_name, payment_account_id, completed_sales_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			payment_account_id = EXCLUDED.payment_account_id,
			completed_sales_count = GREATEST(seller_profiles.completed_sales_count, EXCLUDED.completed_sales_count)`

	upsertProductSQL = `INSERT INTO products (id, seller_id, title, price, currency, files, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			files = EXCLUDED.files,
			active = EXCLUDED.active`
)

var (
	_ product.Repository       = (*ProductRepository)(nil)
	_ product.SellerRepository = (*ProductRepository)(nil)
)

// ProductRepository reads products and seller profiles.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetSellersByIDs returns seller profiles matching any of the given IDs.
func (r *ProductRepository) GetSellersByIDs(ctx context.Context, ids []string) ([]product.Seller, error) {
	rows, err := r.pool.Query(ctx, getSellersByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting sellers by ids: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (product.Seller, error) {
		var s product.Seller
		err := row.Scan(&s.ID, &s.Email, &s.DisplayName, &s.PaymentAccountID, &s.CompletedSalesCount)
		return s, err
	})
}

// UpsertSellers inserts or updates seller profiles in one batch. The sales
// counter never moves backwards.
func (r *ProductRepository) UpsertSellers(ctx context.Context, sellers []product.Seller) error {
	b := &pgx.Batch{}
	for _, s := range sellers {
		b.Queue(upsertSellerSQL, s.ID, s.Email, s.DisplayName, s.PaymentAccountID, s.CompletedSalesCount)
	}
	if err := r.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting sellers: %w", err)
	}
	return nil
}

// UpsertProducts inserts or updates products in one batch.
func (r *ProductRepository) UpsertProducts(ctx context.Context, products []product.Product) error {
	b := &pgx.Batch{}
	for _, p := range products {
		files := p.Files
		if files == nil {
			files = []string{}
		}
		b.Queue(upsertProductSQL, p.ID, p.SellerID, p.Title, p.Price, p.Currency, files, p.Active)
	}
	if err := r.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting products: %w", err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.SellerID, &p.Title, &p.Price, &p.Currency, &p.Files, &p.Active)
	return p, err
}
