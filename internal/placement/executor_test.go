package placement

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/storage/memory"
)

type recordedPlacement struct {
	round    uint64
	square   int
	lamports uint64
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedPlacement
}

func (r *fakeRecorder) RecordPlacement(roundID uint64, square int, lamports uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedPlacement{roundID, square, lamports})
}

func (r *fakeRecorder) SetPriceQuote(uint64, *domain.PriceQuote) {}

func queueFor(t *testing.T, roundID uint64, sqs ...int) []Queued {
	t.Helper()
	b := newTestBuilder(newFakeChain(), 0)
	out := make([]Queued, 0, len(sqs))
	for _, sq := range sqs {
		ixs, err := b.Build(context.Background(), roundID, decision(sq, 1.5))
		require.NoError(t, err)
		out = append(out, Queued{Prepared: Prepared{Decision: decision(sq, 1.5), Instructions: ixs}})
	}
	return out
}

func TestExecutor_SendsAllAndCountsCompleted(t *testing.T) {
	sender := &fakeSender{fail: map[int]bool{4: true}}
	rec := &fakeRecorder{}
	store := memory.NewPlacementStore()
	e := NewExecutor(ExecutorOptions{
		Sender:    sender,
		Blockhash: fakeBlockhash{},
		Latest:    newFakeChain(),
		Recorder:  rec,
		Store:     store,
		Logger:    logging.Discard(),
	})

	summary := e.Execute(context.Background(), 12, queueFor(t, 12, 2, 4, 6))

	assert.Equal(t, 2, summary.Completed)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, 4, summary.Results[1].Decision.Square)
	assert.Equal(t, domain.PlacementFailed, summary.Results[1].Status)
	assert.Error(t, summary.Results[1].Err)
	assert.NotEmpty(t, summary.AttemptID)

	sent := append([]int(nil), sender.submitted...)
	sort.Ints(sent)
	assert.Equal(t, []int{2, 4, 6}, sent)
	assert.Equal(t, 1, sender.simulated, "only the failed placement is simulated")
	assert.Len(t, rec.seen, 2)

	e.Wait()
	rows, err := store.GetByRound(context.Background(), 12)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, summary.AttemptID, row.AttemptID)
		assert.NotEmpty(t, row.PlacementID)
	}
}

type slowPlacementStore struct {
	*memory.PlacementStore
	release chan struct{}
}

func (s slowPlacementStore) InsertBulk(ctx context.Context, rows []*domain.PlacementRecord) error {
	<-s.release
	return s.PlacementStore.InsertBulk(ctx, rows)
}

func TestExecutor_PersistsOutsideExecution(t *testing.T) {
	store := slowPlacementStore{PlacementStore: memory.NewPlacementStore(), release: make(chan struct{})}
	e := NewExecutor(ExecutorOptions{
		Sender:    &fakeSender{},
		Blockhash: fakeBlockhash{},
		Store:     store,
		Logger:    logging.Discard(),
	})

	start := time.Now()
	summary := e.Execute(context.Background(), 12, queueFor(t, 12, 3))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "a slow store must not delay execution")
	assert.Equal(t, 1, summary.Completed)

	close(store.release)
	e.Wait()
	rows, err := store.GetByRound(context.Background(), 12)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestExecutor_BlockhashFailureSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	e := NewExecutor(ExecutorOptions{
		Sender:    sender,
		Blockhash: fakeBlockhash{err: errFake},
		Logger:    logging.Discard(),
	})

	summary := e.Execute(context.Background(), 12, queueFor(t, 12, 2))
	assert.Zero(t, summary.Completed)
	assert.Empty(t, summary.Results)
	assert.Empty(t, sender.submitted)
}

func TestExecutor_EmptyQueue(t *testing.T) {
	e := NewExecutor(ExecutorOptions{Sender: &fakeSender{}, Blockhash: fakeBlockhash{}, Logger: logging.Discard()})
	summary := e.Execute(context.Background(), 12, nil)
	assert.Zero(t, summary.Completed)
}

func TestExecutor_FailureWithoutSimulationSource(t *testing.T) {
	sender := &fakeSender{fail: map[int]bool{2: true}}
	e := NewExecutor(ExecutorOptions{Sender: sender, Blockhash: fakeBlockhash{}, Logger: logging.Discard()})

	summary := e.Execute(context.Background(), 12, queueFor(t, 12, 2))
	assert.Zero(t, summary.Completed)
	assert.Zero(t, sender.simulated)
}
