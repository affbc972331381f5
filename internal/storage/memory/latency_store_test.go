package memory

import (
	"context"
	"errors"
	"testing"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

func TestLatencyStore_RecentOrdering(t *testing.T) {
	store := NewLatencyStore()
	ctx := context.Background()

	for _, ts := range []int64{300, 100, 200, 400} {
		rec := &domain.LatencyRecord{RoundID: uint64(ts), Placements: 2, PrepMs: 100, ExecMs: 300, RecordedAt: ts}
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].RecordedAt != 200 || got[2].RecordedAt != 400 {
		t.Errorf("expected ascending tail [200..400], got %d..%d", got[0].RecordedAt, got[2].RecordedAt)
	}
}

func TestLatencyStore_DuplicateKey(t *testing.T) {
	store := NewLatencyStore()
	ctx := context.Background()
	rec := &domain.LatencyRecord{RoundID: 7, RecordedAt: 1}

	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := store.Insert(ctx, rec); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	if _, err := store.Recent(ctx, 0); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for zero limit, got %v", err)
	}
}
