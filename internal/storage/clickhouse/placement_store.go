package clickhouse

import (
	"context"
	"fmt"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

// PlacementStore implements storage.PlacementStore using ClickHouse.
// MergeTree does not enforce uniqueness, so duplicates are rejected by
// checking placement ids before the batch is sent.
type PlacementStore struct {
	conn *Conn
}

// NewPlacementStore creates a new PlacementStore.
func NewPlacementStore(conn *Conn) *PlacementStore {
	return &PlacementStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PlacementStore = (*PlacementStore)(nil)

// InsertBulk adds placements in one batch. Fails entire batch on any duplicate.
func (s *PlacementStore) InsertBulk(ctx context.Context, records []*domain.PlacementRecord) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r == nil || r.PlacementID == "" {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[r.PlacementID]; dup {
			return storage.ErrDuplicateKey
		}
		seen[r.PlacementID] = struct{}{}
		ids = append(ids, r.PlacementID)
	}

	var existing uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM placements WHERE has(?, placement_id)`, ids).Scan(&existing); err != nil {
		return fmt.Errorf("check existing placements: %w", err)
	}
	if existing > 0 {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO placements (
			placement_id, attempt_id, round_id, square, amount_lamports,
			ev_ratio, signature, status, error, submitted_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range records {
		err := batch.Append(
			r.PlacementID, r.AttemptID, r.RoundID, uint8(r.Square), r.AmountLamports,
			r.EVRatio, r.Signature, string(r.Status), r.Error, r.SubmittedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByRound retrieves placements for a round ordered by submitted_at ASC.
func (s *PlacementStore) GetByRound(ctx context.Context, roundID uint64) ([]*domain.PlacementRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT placement_id, attempt_id, round_id, square, amount_lamports,
		       ev_ratio, signature, status, error, submitted_at
		FROM placements
		WHERE round_id = ?
		ORDER BY submitted_at ASC, placement_id ASC
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("query placements: %w", err)
	}
	defer rows.Close()

	var out []*domain.PlacementRecord
	for rows.Next() {
		var (
			r      domain.PlacementRecord
			square uint8
			status string
		)
		if err := rows.Scan(&r.PlacementID, &r.AttemptID, &r.RoundID, &square, &r.AmountLamports,
			&r.EVRatio, &r.Signature, &status, &r.Error, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan placement: %w", err)
		}
		r.Square = int(square)
		r.Status = domain.PlacementStatus(status)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate placements: %w", err)
	}
	return out, nil
}
