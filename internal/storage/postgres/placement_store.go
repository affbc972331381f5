package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

// PlacementStore implements storage.PlacementStore using PostgreSQL.
type PlacementStore struct {
	pool *Pool
}

// NewPlacementStore creates a new PlacementStore.
func NewPlacementStore(pool *Pool) *PlacementStore {
	return &PlacementStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PlacementStore = (*PlacementStore)(nil)

// InsertBulk adds multiple placements in one transaction. Fails entire batch on any duplicate.
func (s *PlacementStore) InsertBulk(ctx context.Context, records []*domain.PlacementRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range records {
		if r == nil || r.PlacementID == "" {
			return storage.ErrInvalidInput
		}
		batch.Queue(`
			INSERT INTO placements (
				placement_id, attempt_id, round_id, square, amount_lamports,
				ev_ratio, signature, status, error, submitted_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			r.PlacementID, r.AttemptID, int64(r.RoundID), int16(r.Square), int64(r.AmountLamports),
			r.EVRatio, r.Signature, string(r.Status), r.Error, r.SubmittedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert placement: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByRound retrieves placements for a round ordered by submitted_at ASC.
func (s *PlacementStore) GetByRound(ctx context.Context, roundID uint64) ([]*domain.PlacementRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT placement_id::text, attempt_id::text, round_id, square, amount_lamports,
		       ev_ratio, signature, status, error, submitted_at
		FROM placements
		WHERE round_id = $1
		ORDER BY submitted_at ASC, placement_id ASC
	`, int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("query placements: %w", err)
	}
	defer rows.Close()

	var out []*domain.PlacementRecord
	for rows.Next() {
		var (
			r      domain.PlacementRecord
			round  int64
			square int16
			amount int64
			status string
		)
		if err := rows.Scan(&r.PlacementID, &r.AttemptID, &round, &square, &amount,
			&r.EVRatio, &r.Signature, &status, &r.Error, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan placement: %w", err)
		}
		r.RoundID = uint64(round)
		r.Square = int(square)
		r.AmountLamports = uint64(amount)
		r.Status = domain.PlacementStatus(status)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate placements: %w", err)
	}
	return out, nil
}
