package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"ore-agent/internal/storage/memory"
)

func TestAggregator_NoOutcomes(t *testing.T) {
	agg := NewAggregator(memory.NewOutcomeStore())

	_, err := agg.Recent(context.Background(), 10)
	if !errors.Is(err, ErrNoOutcomes) {
		t.Errorf("expected ErrNoOutcomes, got %v", err)
	}
}

func TestAggregator_RecentLimit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutcomeStore()
	for i, pnl := range []int64{100, -50, -50, 200} {
		if err := store.Insert(ctx, outcome(uint64(i+1), pnl)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	s, err := NewAggregator(store).Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if s.Rounds != 2 {
		t.Errorf("expected 2 rounds, got %d", s.Rounds)
	}
	if s.FirstRoundID != 3 || s.LastRoundID != 4 {
		t.Errorf("expected rounds 3..4, got %d..%d", s.FirstRoundID, s.LastRoundID)
	}
	if s.TotalRealPnLLamports != 150 {
		t.Errorf("expected pnl 150, got %d", s.TotalRealPnLLamports)
	}
}

func TestAggregator_SinceAndPrune(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutcomeStore()
	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 4; i++ {
		o := outcome(uint64(i+1), 10)
		o.EvaluatedAt = base.Add(time.Duration(i) * time.Hour).UnixMilli()
		if err := store.Insert(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	agg := NewAggregator(store)

	s, err := agg.Since(ctx, base.Add(2*time.Hour), 100)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if s.Rounds != 2 {
		t.Errorf("expected 2 rounds since cutoff, got %d", s.Rounds)
	}

	n, err := agg.Prune(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}

	if _, err := agg.Prune(ctx, time.Time{}); err == nil {
		t.Error("expected error for zero cutoff")
	}
}
