package sqlite

import (
	"context"
	"fmt"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

// LatencyStore implements storage.LatencyStore using SQLite.
type LatencyStore struct {
	db *DB
}

// NewLatencyStore creates a new LatencyStore.
func NewLatencyStore(db *DB) *LatencyStore {
	return &LatencyStore{db: db}
}

var _ storage.LatencyStore = (*LatencyStore)(nil)

// Insert adds a sample. Returns ErrDuplicateKey if (round_id, recorded_at) exists.
func (s *LatencyStore) Insert(ctx context.Context, r *domain.LatencyRecord) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO latency_samples (round_id, placements, prep_ms, exec_ms, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		int64(r.RoundID), r.Placements, r.PrepMs, r.ExecMs, r.RecordedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert latency sample: %w", err)
	}
	return nil
}

// Recent returns up to limit latest samples ordered by recorded_at ASC.
func (s *LatencyStore) Recent(ctx context.Context, limit int) ([]*domain.LatencyRecord, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT round_id, placements, prep_ms, exec_ms, recorded_at FROM (
			SELECT * FROM latency_samples ORDER BY recorded_at DESC LIMIT ?
		) ORDER BY recorded_at ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query latency samples: %w", err)
	}
	defer rows.Close()

	var out []*domain.LatencyRecord
	for rows.Next() {
		var (
			r       domain.LatencyRecord
			roundID int64
		)
		if err := rows.Scan(&roundID, &r.Placements, &r.PrepMs, &r.ExecMs, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan latency sample: %w", err)
		}
		r.RoundID = uint64(roundID)
		out = append(out, &r)
	}
	return out, rows.Err()
}
