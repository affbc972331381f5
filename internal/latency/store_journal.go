package latency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/storage"
)

// StoreJournal persists records to a storage.LatencyStore (sqlite or postgres).
// Flushing is driven externally, by the agent's cron job and on shutdown.
type StoreJournal struct {
	store  storage.LatencyStore
	limit  int
	logger *slog.Logger

	mu      sync.Mutex
	pending []*domain.LatencyRecord

	flights singleflight.Group
}

// NewStoreJournal creates a journal that loads at most limit records.
func NewStoreJournal(store storage.LatencyStore, limit int, logger *slog.Logger) *StoreJournal {
	if limit <= 0 {
		limit = 100
	}
	return &StoreJournal{
		store:  store,
		limit:  limit,
		logger: logging.Component(logger, "latency-journal"),
	}
}

var _ Journal = (*StoreJournal)(nil)

// Load returns the most recent records in recording order.
func (j *StoreJournal) Load(ctx context.Context) ([]*domain.LatencyRecord, error) {
	records, err := j.store.Recent(ctx, j.limit)
	if err != nil {
		return nil, fmt.Errorf("latency journal: load: %w", err)
	}
	return records, nil
}

// Enqueue buffers a record until the next Flush.
func (j *StoreJournal) Enqueue(r *domain.LatencyRecord) {
	if r == nil {
		return
	}
	cp := *r
	j.mu.Lock()
	j.pending = append(j.pending, &cp)
	j.mu.Unlock()
}

// Flush inserts buffered records. Records that fail with anything other than
// a duplicate key are put back for the next flush.
func (j *StoreJournal) Flush(ctx context.Context) error {
	_, err, _ := j.flights.Do("flush", func() (any, error) {
		j.mu.Lock()
		batch := j.pending
		j.pending = nil
		j.mu.Unlock()

		var (
			retry    []*domain.LatencyRecord
			firstErr error
		)
		for _, r := range batch {
			err := j.store.Insert(ctx, r)
			switch {
			case err == nil, errors.Is(err, storage.ErrDuplicateKey):
			default:
				retry = append(retry, r)
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		if len(retry) > 0 {
			j.mu.Lock()
			j.pending = append(retry, j.pending...)
			j.mu.Unlock()
			j.logger.Warn("latency samples not persisted", "count", len(retry), "error", firstErr)
			return nil, fmt.Errorf("latency journal: flush: %w", firstErr)
		}
		return nil, nil
	})
	return err
}

// Pending returns the number of buffered records.
func (j *StoreJournal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}
