package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
)

const (
	recordDeadLetterSQL = `INSERT INTO fanout_dead_letters (kind, ref, session_id, attempts, error, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))`

	listOpenDeadLettersSQL = `SELECT kind, ref, session_id, attempts, error, payload, created_at
		FROM fanout_dead_letters WHERE resolved_at IS NULL
		ORDER BY created_at LIMIT $1`
)

var _ fanout.DeadLetterSink = (*DeadLetterRepository)(nil)

// DeadLetterRepository stores side effects that could not be completed.
type DeadLetterRepository struct {
	pool *pgxpool.Pool
}

// NewDeadLetterRepository returns a DeadLetterRepository that uses the given pool.
func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

// Record stores one dead letter.
func (r *DeadLetterRepository) Record(ctx context.Context, dl fanout.DeadLetter) error {
	var createdAt any
	if !dl.CreatedAt.IsZero() {
		createdAt = dl.CreatedAt
	}
	_, err := r.pool.Exec(ctx, recordDeadLetterSQL,
		dl.Kind, dl.Ref, dl.SessionID, dl.Attempts, dl.Error, dl.Payload, createdAt,
	)
	if err != nil {
		return fmt.Errorf("recording dead letter %s/%s: %w", dl.Kind, dl.Ref, err)
	}
	return nil
}

// ListOpen returns unresolved dead letters, oldest first.
func (r *DeadLetterRepository) ListOpen(ctx context.Context, limit int) ([]fanout.DeadLetter, error) {
	rows, err := r.pool.Query(ctx, listOpenDeadLettersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (fanout.DeadLetter, error) {
		var dl fanout.DeadLetter
		err := row.Scan(&dl.Kind, &dl.Ref, &dl.SessionID, &dl.Attempts, &dl.Error, &dl.Payload, &dl.CreatedAt)
		return dl, err
	})
}
