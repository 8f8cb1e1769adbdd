package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pattern-settlement/internal/domain/order"
)

const (
	getSettlementSQL = `SELECT external_session_id, status, order_count, created_at
		FROM settlements WHERE external_session_id = $1`

	claimSettlementSQL = `INSERT INTO settlements (external_session_id, status, order_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_session_id) DO NOTHING`

	backfillBuyerEmailSQL = `UPDATE orders SET buyer_email = $2
		WHERE external_session_id = $1 AND buyer_email IS NULL`

	listOrdersBySessionSQL = `SELECT id, product_id, seller_id, buyer_id, buyer_email, external_session_id,
		status, quantity, amount, total_amount, currency, platform_fee, processing_fee, net_amount, created_at
		FROM orders WHERE external_session_id = $1 ORDER BY created_at, id`
)

var orderColumns = []string{
	"id", "product_id", "seller_id", "buyer_id", "buyer_email", "external_session_id",
	"status", "quantity", "amount", "total_amount", "currency",
	"platform_fee", "processing_fee", "net_amount", "created_at",
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Settlement returns the claim for the session, or nil when none exists.
func (r *OrderRepository) Settlement(ctx context.Context, sessionID string) (*order.Settlement, error) {
	var (
		s      order.Settlement
		status string
	)
	err := r.pool.QueryRow(ctx, getSettlementSQL, sessionID).Scan(&s.SessionID, &status, &s.Orders, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting settlement %q: %w", sessionID, err)
	}
	s.Status = order.Status(status)
	return &s, nil
}

// CreateBatch inserts the completed claim and copies all orders in one
// transaction. A concurrent writer holding the claim blocks this insert until
// it commits, after which the claim insert affects no rows.
func (r *OrderRepository) CreateBatch(ctx context.Context, sessionID string, orders []order.Order) error {
	rows := make([][]any, len(orders))
	for i, o := range orders {
		id, err := uuid.Parse(o.ID)
		if err != nil {
			return fmt.Errorf("order id %q: %w", o.ID, err)
		}
		rows[i] = []any{
			id, o.ProductID, o.SellerID, o.BuyerID, o.BuyerEmail, sessionID,
			string(o.Status), o.Quantity, o.Amount, o.TotalAmount, o.Currency,
			o.PlatformFee, o.ProcessingFee, o.NetAmount, o.CreatedAt,
		}
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, claimSettlementSQL, sessionID, string(order.StatusCompleted), len(orders))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return order.ErrAlreadySettled
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"orders"}, orderColumns, pgx.CopyFromRows(rows)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, order.ErrAlreadySettled) || isUniqueViolation(err) {
			return order.ErrAlreadySettled
		}
		return fmt.Errorf("creating orders for session %q: %w", sessionID, err)
	}
	return nil
}

// Expire records an expired claim unless the session already holds one.
func (r *OrderRepository) Expire(ctx context.Context, sessionID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, claimSettlementSQL, sessionID, string(order.StatusExpired), 0)
	if err != nil {
		return false, fmt.Errorf("expiring session %q: %w", sessionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// BackfillBuyerEmail sets buyer_email on orders of the session that lack one.
func (r *OrderRepository) BackfillBuyerEmail(ctx context.Context, sessionID, email string) (int64, error) {
	tag, err := r.pool.Exec(ctx, backfillBuyerEmailSQL, sessionID, email)
	if err != nil {
		return 0, fmt.Errorf("backfilling buyer email for %q: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}

// ListBySession returns the orders of a session.
func (r *OrderRepository) ListBySession(ctx context.Context, sessionID string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersBySessionSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing orders for %q: %w", sessionID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.ProductID, &o.SellerID, &o.BuyerID, &o.BuyerEmail, &o.ExternalSessionID,
		&status, &o.Quantity, &o.Amount, &o.TotalAmount, &o.Currency,
		&o.PlatformFee, &o.ProcessingFee, &o.NetAmount, &o.CreatedAt,
	)
	o.Status = order.Status(status)
	return o, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
