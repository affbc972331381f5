package memory

import (
	"context"
	"sort"
	"sync"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

// PlacementStore is an in-memory implementation of storage.PlacementStore.
type PlacementStore struct {
	mu      sync.RWMutex
	byID    map[string]struct{}
	byRound map[uint64][]*domain.PlacementRecord
}

// NewPlacementStore creates a new in-memory placement store.
func NewPlacementStore() *PlacementStore {
	return &PlacementStore{
		byID:    make(map[string]struct{}),
		byRound: make(map[uint64][]*domain.PlacementRecord),
	}
}

var _ storage.PlacementStore = (*PlacementStore)(nil)

// InsertBulk adds multiple placements atomically. Fails entire batch on any duplicate.
func (s *PlacementStore) InsertBulk(_ context.Context, records []*domain.PlacementRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r == nil || r.PlacementID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.byID[r.PlacementID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batch[r.PlacementID]; exists {
			return storage.ErrDuplicateKey
		}
		batch[r.PlacementID] = struct{}{}
	}

	for _, r := range records {
		cp := *r
		s.byID[r.PlacementID] = struct{}{}
		s.byRound[r.RoundID] = append(s.byRound[r.RoundID], &cp)
	}
	return nil
}

// GetByRound retrieves all placements for a round ordered by submitted_at ASC.
func (s *PlacementStore) GetByRound(_ context.Context, roundID uint64) ([]*domain.PlacementRecord, error) {
	s.mu.RLock()
	src := s.byRound[roundID]
	out := make([]*domain.PlacementRecord, 0, len(src))
	for _, r := range src {
		cp := *r
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt < out[j].SubmittedAt
	})
	return out, nil
}
