package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ore-agent/internal/storage"
)

// ErrNoOutcomes is returned when no outcomes are available for aggregation.
var ErrNoOutcomes = errors.New("no round outcomes available for aggregation")

// Aggregator computes summaries from persisted round outcomes.
type Aggregator struct {
	store storage.OutcomeStore
}

// NewAggregator creates a new outcome aggregator.
func NewAggregator(store storage.OutcomeStore) *Aggregator {
	return &Aggregator{store: store}
}

// Recent summarizes the latest limit outcomes.
// Returns ErrNoOutcomes if none are stored.
func (a *Aggregator) Recent(ctx context.Context, limit int) (*Summary, error) {
	outcomes, err := a.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	if len(outcomes) == 0 {
		return nil, ErrNoOutcomes
	}
	return Summarize(outcomes), nil
}

// Since summarizes outcomes evaluated at or after since, looking at most
// limit rounds back.
func (a *Aggregator) Since(ctx context.Context, since time.Time, limit int) (*Summary, error) {
	outcomes, err := a.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	cutoff := since.UnixMilli()
	kept := outcomes[:0]
	for _, o := range outcomes {
		if o.EvaluatedAt >= cutoff {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoOutcomes
	}
	return Summarize(kept), nil
}

// Prune deletes outcomes evaluated before cutoff.
func (a *Aggregator) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, storage.ErrInvalidInput
	}
	return a.store.DeleteBefore(ctx, cutoff.UnixMilli())
}
