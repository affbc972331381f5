package memory

import (
	"context"
	"sort"
	"sync"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

// OutcomeStore is an in-memory implementation of storage.OutcomeStore.
type OutcomeStore struct {
	mu   sync.RWMutex
	data map[uint64]*domain.RoundOutcome // keyed by round_id
}

// NewOutcomeStore creates a new in-memory outcome store.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{data: make(map[uint64]*domain.RoundOutcome)}
}

var _ storage.OutcomeStore = (*OutcomeStore)(nil)

func cloneOutcome(o *domain.RoundOutcome) *domain.RoundOutcome {
	cp := *o
	cp.Squares = append([]int(nil), o.Squares...)
	return &cp
}

// Insert adds an outcome. Returns ErrDuplicateKey if round_id exists.
func (s *OutcomeStore) Insert(_ context.Context, o *domain.RoundOutcome) error {
	if o == nil || o.RoundID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[o.RoundID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[o.RoundID] = cloneOutcome(o)
	return nil
}

// GetByRound retrieves an outcome. Returns ErrNotFound if not exists.
func (s *OutcomeStore) GetByRound(_ context.Context, roundID uint64) (*domain.RoundOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.data[roundID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOutcome(o), nil
}

// Recent returns up to limit outcomes ordered by round_id DESC.
func (s *OutcomeStore) Recent(_ context.Context, limit int) ([]*domain.RoundOutcome, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	out := make([]*domain.RoundOutcome, 0, len(s.data))
	for _, o := range s.data {
		out = append(out, cloneOutcome(o))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RoundID > out[j].RoundID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteBefore removes outcomes evaluated before the cutoff.
func (s *OutcomeStore) DeleteBefore(_ context.Context, evaluatedBefore int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, o := range s.data {
		if o.EvaluatedAt < evaluatedBefore {
			delete(s.data, id)
			removed++
		}
	}
	return removed, nil
}
