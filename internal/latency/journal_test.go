package latency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/storage"
	"ore-agent/internal/storage/memory"
)

func TestFileJournal_RoundTripTrimmed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "latency.ndjson")
	ctx := context.Background()

	j := NewFileJournal(path, 2, time.Hour, logging.Discard())
	for i := uint64(1); i <= 3; i++ {
		j.Enqueue(&domain.LatencyRecord{RoundID: i, Placements: 1, PrepMs: 100, ExecMs: 200, RecordedAt: int64(i)})
	}
	require.NoError(t, j.Close(ctx))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"roundId":"3"`)

	loaded, err := NewFileJournal(path, 10, time.Hour, logging.Discard()).Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, uint64(2), loaded[0].RoundID)
	assert.Equal(t, uint64(3), loaded[1].RoundID)
}

func TestFileJournal_LoadMissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	records, err := NewFileJournal(filepath.Join(dir, "absent"), 10, time.Second, nil).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	path := filepath.Join(dir, "mixed.ndjson")
	body := `{"roundId":"7","placements":2,"prepMs":90,"execMs":300,"recordedAt":1}
not json

{"roundId":"8","placements":1,"prepMs":80,"execMs":150,"recordedAt":2}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	records, err = NewFileJournal(path, 10, time.Second, logging.Discard()).Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(7), records[0].RoundID)
	assert.Equal(t, 300.0, records[0].ExecMs)
}

func TestFileJournal_TimerFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency.ndjson")
	j := NewFileJournal(path, 10, 20*time.Millisecond, logging.Discard())

	j.Enqueue(&domain.LatencyRecord{RoundID: 1, Placements: 1, PrepMs: 1, ExecMs: 30})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestFileJournal_FlushWithoutChangesIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency.ndjson")
	j := NewFileJournal(path, 10, time.Hour, nil)

	require.NoError(t, j.Flush(context.Background()))
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

type failingLatencyStore struct {
	*memory.LatencyStore
	fail bool
}

func (s *failingLatencyStore) Insert(ctx context.Context, r *domain.LatencyRecord) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.LatencyStore.Insert(ctx, r)
}

func TestStoreJournal_FlushAndLoad(t *testing.T) {
	store := &failingLatencyStore{LatencyStore: memory.NewLatencyStore()}
	j := NewStoreJournal(store, 10, logging.Discard())
	ctx := context.Background()

	j.Enqueue(&domain.LatencyRecord{RoundID: 1, Placements: 1, PrepMs: 50, ExecMs: 100, RecordedAt: 1})
	j.Enqueue(&domain.LatencyRecord{RoundID: 2, Placements: 2, PrepMs: 60, ExecMs: 200, RecordedAt: 2})

	store.fail = true
	require.Error(t, j.Flush(ctx))
	assert.Equal(t, 2, j.Pending())

	store.fail = false
	require.NoError(t, j.Flush(ctx))
	assert.Zero(t, j.Pending())

	// Duplicates are dropped, not retried.
	j.Enqueue(&domain.LatencyRecord{RoundID: 1, RecordedAt: 1})
	require.NoError(t, j.Flush(ctx))
	assert.Zero(t, j.Pending())

	loaded, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, uint64(1), loaded[0].RoundID)

	_, err = store.Recent(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
