package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
)

const awardPointsSQL = `INSERT INTO loyalty_points (order_id, account_id, role, points)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (order_id, account_id, role) DO NOTHING`

var _ fanout.LoyaltyLedger = (*LoyaltyRepository)(nil)

// LoyaltyRepository records loyalty awards.
type LoyaltyRepository struct {
	pool *pgxpool.Pool
}

// NewLoyaltyRepository returns a LoyaltyRepository that uses the given pool.
func NewLoyaltyRepository(pool *pgxpool.Pool) *LoyaltyRepository {
	return &LoyaltyRepository{pool: pool}
}

// Award inserts the awards in one transaction and returns how many were new.
func (r *LoyaltyRepository) Award(ctx context.Context, awards []fanout.PointsAward) (int64, error) {
	if len(awards) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, a := range awards {
		id, err := uuid.Parse(a.OrderID)
		if err != nil {
			return 0, fmt.Errorf("award order id %q: %w", a.OrderID, err)
		}
		b.Queue(awardPointsSQL, id, a.AccountID, string(a.Role), a.Points)
	}

	var inserted int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for range awards {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			inserted += tag.RowsAffected()
		}
		return br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("awarding points: %w", err)
	}
	return inserted, nil
}

// Balance returns the total points of an account.
func (r *LoyaltyRepository) Balance(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM loyalty_points WHERE account_id = $1`, accountID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("loyalty balance of %q: %w", accountID, err)
	}
	return total, nil
}
