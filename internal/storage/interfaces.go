package storage

import (
	"context"

	"ore-agent/internal/domain"
)

// LatencyStore provides access to latency_samples storage.
type LatencyStore interface {
	// Insert adds a sample. Returns ErrDuplicateKey if (round_id, recorded_at) exists.
	Insert(ctx context.Context, r *domain.LatencyRecord) error

	// Recent returns up to limit most recent samples, ordered by recorded_at ASC
	// so they can be replayed in order.
	Recent(ctx context.Context, limit int) ([]*domain.LatencyRecord, error)
}

// OutcomeStore provides access to round_outcomes storage.
type OutcomeStore interface {
	// Insert adds an evaluated round. Returns ErrDuplicateKey if round_id exists.
	Insert(ctx context.Context, o *domain.RoundOutcome) error

	// GetByRound retrieves the outcome of a round. Returns ErrNotFound if not exists.
	GetByRound(ctx context.Context, roundID uint64) (*domain.RoundOutcome, error)

	// Recent returns up to limit outcomes, ordered by round_id DESC.
	Recent(ctx context.Context, limit int) ([]*domain.RoundOutcome, error)

	// DeleteBefore removes outcomes evaluated before the given unix ms timestamp
	// and returns the number of removed rows.
	DeleteBefore(ctx context.Context, evaluatedBefore int64) (int64, error)
}

// PlacementStore provides access to placements storage.
type PlacementStore interface {
	// InsertBulk adds multiple placements atomically. Fails entire batch on any duplicate placement_id.
	InsertBulk(ctx context.Context, records []*domain.PlacementRecord) error

	// GetByRound retrieves all placements for a round, ordered by submitted_at ASC.
	GetByRound(ctx context.Context, roundID uint64) ([]*domain.PlacementRecord, error)
}
