package memory

import (
	"context"
	"sort"
	"sync"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

type latencyKey struct {
	roundID    uint64
	recordedAt int64
}

// LatencyStore is an in-memory implementation of storage.LatencyStore.
type LatencyStore struct {
	mu   sync.RWMutex
	keys map[latencyKey]struct{}
	data []*domain.LatencyRecord // insertion order
}

// NewLatencyStore creates a new in-memory latency store.
func NewLatencyStore() *LatencyStore {
	return &LatencyStore{keys: make(map[latencyKey]struct{})}
}

var _ storage.LatencyStore = (*LatencyStore)(nil)

// Insert adds a sample. Returns ErrDuplicateKey if (round_id, recorded_at) exists.
func (s *LatencyStore) Insert(_ context.Context, r *domain.LatencyRecord) error {
	if r == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := latencyKey{roundID: r.RoundID, recordedAt: r.RecordedAt}
	if _, exists := s.keys[key]; exists {
		return storage.ErrDuplicateKey
	}
	s.keys[key] = struct{}{}

	cp := *r
	s.data = append(s.data, &cp)
	return nil
}

// Recent returns up to limit latest samples ordered by recorded_at ASC.
func (s *LatencyStore) Recent(_ context.Context, limit int) ([]*domain.LatencyRecord, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	all := make([]*domain.LatencyRecord, 0, len(s.data))
	for _, r := range s.data {
		cp := *r
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].RecordedAt < all[j].RecordedAt
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
