package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/latency"
	"ore-agent/internal/logging"
	"ore-agent/internal/placement"
	"ore-agent/internal/solana"
	"ore-agent/internal/stream"
)

var errRPC = errors.New("rpc down")

type fakeBoard struct {
	mu    sync.Mutex
	board *domain.Board
	err   error
	calls int
}

func (f *fakeBoard) GetBoard(context.Context) (*domain.Board, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	b := *f.board
	return &b, 0, nil
}

func (f *fakeBoard) set(roundID, endSlot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.board = &domain.Board{RoundID: roundID, StartSlot: endSlot - 150, EndSlot: endSlot}
}

type fakeWatcher struct{ snap *chain.BoardSnapshot }

func (w fakeWatcher) Board() *chain.BoardSnapshot { return w.snap }

type fakeSlots struct{ slot atomic.Uint64 }

func (f *fakeSlots) Slot(context.Context) uint64 { return f.slot.Load() }

type fakeEstimator struct {
	slots int
	last  latency.EstimateInput
}

func (f *fakeEstimator) EstimateSlots(in latency.EstimateInput) int {
	f.last = in
	return f.slots
}

func (f *fakeEstimator) Snapshot() domain.LatencySnapshot {
	return domain.LatencySnapshot{PrepMs: 100, ExecPerPlacementMs: 80}
}

type fakeAttempter struct {
	calls   []uint64
	outcome placement.Outcome
}

func (f *fakeAttempter) Execute(_ context.Context, roundID, endSlot uint64, _ *domain.Board) placement.Outcome {
	f.calls = append(f.calls, roundID)
	out := f.outcome
	out.RoundID = roundID
	return out
}

type fakePrice struct {
	refreshes atomic.Int32
	quote     *domain.PriceQuote
}

func (f *fakePrice) Price() *domain.PriceQuote { return f.quote }

func (f *fakePrice) Refresh(context.Context) (*domain.PriceQuote, error) {
	f.refreshes.Add(1)
	return f.quote, nil
}

type fakePrefetcher struct {
	mu       sync.Mutex
	requests []uint64
	clears   int
}

func (f *fakePrefetcher) Request(_ context.Context, roundID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, roundID)
}

func (f *fakePrefetcher) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

type fakeConfig struct {
	invalidated atomic.Int32
	refreshed   atomic.Int32
}

func (f *fakeConfig) InvalidateEntropy() { f.invalidated.Add(1) }

func (f *fakeConfig) RefreshEntropy(context.Context) error {
	f.refreshed.Add(1)
	return nil
}

type fakeCheckpoint struct {
	mu      sync.Mutex
	started []uint64
	ensured []uint64
}

func (f *fakeCheckpoint) NotifyRoundStart(roundID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, roundID)
}

func (f *fakeCheckpoint) EnsureReady(_ context.Context, roundID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, roundID)
	return nil
}

type fakeClaimer struct {
	gate  chan struct{}
	calls atomic.Int32
}

func (f *fakeClaimer) MaybeClaim(context.Context) (uint64, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return 0, nil
}

type fakeFinalizer struct{ rounds []uint64 }

func (f *fakeFinalizer) FinalizeRounds(_ context.Context, current uint64) error {
	f.rounds = append(f.rounds, current)
	return nil
}

type fakeStream struct {
	mu       sync.Mutex
	healthy  bool
	stats    stream.Stats
	stops    int
	started  []stream.Context
	refreshs []time.Duration
}

func (f *fakeStream) Start(_ context.Context, sc stream.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sc)
	return nil
}

func (f *fakeStream) Stop(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeStream) RefreshIfStale(_ context.Context, maxAge time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshs = append(f.refreshs, maxAge)
	return true
}

func (f *fakeStream) IsHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeStream) Stats() stream.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

type fakeAccounts struct{}

func (fakeAccounts) GetMiner(context.Context, solana.PublicKey) (*domain.Miner, error) {
	return &domain.Miner{RoundID: 41, CheckpointID: 41}, nil
}

func (fakeAccounts) GetBalance(context.Context, solana.PublicKey) (uint64, error) {
	return 2_000_000_000, nil
}

type harness struct {
	board    *fakeBoard
	slots    *fakeSlots
	est      *fakeEstimator
	attempt  *fakeAttempter
	price    *fakePrice
	prefetch *fakePrefetcher
	config   *fakeConfig
	ckpt     *fakeCheckpoint
	claimer  *fakeClaimer
	final    *fakeFinalizer
	stream   *fakeStream
	logs     *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), "msg=\""+msg+"\"")
}

func newHarness() *harness {
	h := &harness{
		board:    &fakeBoard{},
		slots:    &fakeSlots{},
		est:      &fakeEstimator{slots: 2},
		attempt:  &fakeAttempter{outcome: placement.Outcome{Placed: true, Planned: 4, Completed: 4}},
		price:    &fakePrice{quote: &domain.PriceQuote{SolPerOre: 2, NetSolPerOre: 1.8}},
		prefetch: &fakePrefetcher{},
		config:   &fakeConfig{},
		ckpt:     &fakeCheckpoint{},
		claimer:  &fakeClaimer{},
		final:    &fakeFinalizer{},
		stream:   &fakeStream{},
		logs:     &syncBuffer{},
	}
	h.board.set(42, 1000)
	return h
}

func (h *harness) scheduler(mut ...func(*Options)) *Scheduler {
	opts := Options{
		Board:      h.board,
		Slots:      h.slots,
		Latency:    h.est,
		Attempt:    h.attempt,
		Price:      h.price,
		Stream:     h.stream,
		Prefetcher: h.prefetch,
		Config:     h.config,
		Checkpoint: h.ckpt,
		Claimer:    h.claimer,
		Finalizer:  h.final,
		Accounts:   fakeAccounts{},
		Settings:   DefaultConfig(),
		Logger:     slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	for _, fn := range mut {
		fn(&opts)
	}
	return New(opts)
}

func tickAndWait(t *testing.T, s *Scheduler) time.Duration {
	t.Helper()
	d, err := s.tick(context.Background())
	require.NoError(t, err)
	s.tasks.Wait()
	return d
}

func TestScheduler_NoAttemptAfterWindowAndEndLoggedOnce(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(1000)
	s := h.scheduler()

	tickAndWait(t, s)
	tickAndWait(t, s)

	assert.Empty(t, h.attempt.calls)
	assert.True(t, s.state.EndLogged)
	assert.Equal(t, 1, h.logs.count("round ended"))
}

func TestScheduler_PriceRefreshFiresOncePerRound(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(990) // 10 slots left, threshold 2
	s := h.scheduler()

	tickAndWait(t, s)
	tickAndWait(t, s)

	assert.Equal(t, int32(1), h.price.refreshes.Load())
	assert.True(t, s.state.PriceRefreshed)

	h.board.set(43, 1150)
	h.slots.slot.Store(1140)
	tickAndWait(t, s)
	assert.Equal(t, int32(2), h.price.refreshes.Load(), "new round re-arms the refresh")
}

func TestScheduler_NoPriceRefreshOutsideLeadWindow(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(900)
	s := h.scheduler()

	tickAndWait(t, s)
	assert.Zero(t, h.price.refreshes.Load())

	h.slots.slot.Store(998) // inside the placement threshold
	tickAndWait(t, s)
	assert.Zero(t, h.price.refreshes.Load())
}

func TestScheduler_AttemptsOncePerRoundWhenPlaced(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(997) // 3 slots left, attempt threshold 2+1
	s := h.scheduler()

	tickAndWait(t, s)
	tickAndWait(t, s)

	assert.Equal(t, []uint64{42}, h.attempt.calls)
	assert.True(t, s.state.Placed)
	assert.Equal(t, 4, s.lastPlanned)
}

func TestScheduler_RetriesWhenAttemptSkipped(t *testing.T) {
	h := newHarness()
	h.attempt.outcome = placement.Outcome{Skip: placement.SkipCheckpoint}
	h.slots.slot.Store(998)
	s := h.scheduler()

	tickAndWait(t, s)
	tickAndWait(t, s)

	assert.Len(t, h.attempt.calls, 2)
	assert.False(t, s.state.Placed)
}

func TestScheduler_ExpectedPlacementsFeedback(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(998)
	s := h.scheduler()

	tickAndWait(t, s)
	assert.Equal(t, 12, h.est.last.ExpectedPlacements)

	h.board.set(43, 1150)
	h.slots.slot.Store(1100)
	tickAndWait(t, s)
	assert.Equal(t, 4, h.est.last.ExpectedPlacements)
	assert.Equal(t, 1, h.est.last.MinSlots)
	assert.Equal(t, 5, h.est.last.MaxSlots)
}

func TestScheduler_RoundTransition(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(900)
	var hooks []uint64
	s := h.scheduler(func(o *Options) {
		o.OnNewRound = func(_ context.Context, roundID, _ uint64) { hooks = append(hooks, roundID) }
	})

	tickAndWait(t, s)
	s.state.Placed = true
	s.state.PriceRefreshed = true

	h.board.set(43, 1150)
	tickAndWait(t, s)

	assert.Equal(t, uint64(43), s.state.RoundID)
	assert.False(t, s.state.Placed)
	assert.Equal(t, []uint64{42, 43}, hooks)
	assert.Equal(t, 2, h.prefetch.clears)
	assert.Equal(t, 2, h.stream.stops)
	assert.Equal(t, int32(2), h.config.invalidated.Load())
	assert.Equal(t, int32(2), h.config.refreshed.Load())
	assert.Equal(t, []uint64{42, 43}, h.ckpt.started)
	assert.Equal(t, int32(2), h.claimer.calls.Load())
}

func TestScheduler_SingleClaimInFlight(t *testing.T) {
	h := newHarness()
	h.claimer.gate = make(chan struct{})
	h.slots.slot.Store(900)
	s := h.scheduler()

	_, err := s.tick(context.Background())
	require.NoError(t, err)
	h.board.set(43, 1150)
	_, err = s.tick(context.Background())
	require.NoError(t, err)

	close(h.claimer.gate)
	s.tasks.Wait()
	assert.Equal(t, int32(1), h.claimer.calls.Load())
}

func TestScheduler_ClaimWaitIsBounded(t *testing.T) {
	h := newHarness()
	h.claimer.gate = make(chan struct{})
	defer close(h.claimer.gate)
	h.slots.slot.Store(998)
	s := h.scheduler(func(o *Options) { o.Settings.ClaimWait = 20 * time.Millisecond })

	start := time.Now()
	_, err := s.tick(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.attempt.calls, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScheduler_PrefetchNearWindow(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(990)
	s := h.scheduler()

	tickAndWait(t, s)
	assert.Empty(t, h.prefetch.requests)

	h.slots.slot.Store(994) // 6 slots: threshold 3 + prep 3
	tickAndWait(t, s)
	assert.Equal(t, []uint64{42}, h.prefetch.requests)
	assert.Contains(t, h.ckpt.ensured, uint64(42))
}

func TestScheduler_StartsStreamEarly(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(990)
	s := h.scheduler()

	tickAndWait(t, s)

	require.Len(t, h.stream.started, 1)
	sc := h.stream.started[0]
	assert.Equal(t, uint64(42), sc.RoundID)
	assert.Equal(t, uint64(2_000_000_000), sc.BalanceLamports)
	assert.Equal(t, 12, sc.MaxPlacements)
	require.NotNil(t, sc.Price)
}

type blockingAccounts struct {
	fakeAccounts
	release chan struct{}
}

func (b blockingAccounts) GetMiner(ctx context.Context, pk solana.PublicKey) (*domain.Miner, error) {
	<-b.release
	return b.fakeAccounts.GetMiner(ctx, pk)
}

func TestScheduler_RestartStreamRunsInBackground(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	s := h.scheduler(func(o *Options) { o.Accounts = blockingAccounts{release: release} })

	start := time.Now()
	require.NoError(t, s.RestartStream(context.Background(), 42))
	require.NoError(t, s.RestartStream(context.Background(), 42))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	s.tasks.Wait()

	h.stream.mu.Lock()
	defer h.stream.mu.Unlock()
	assert.Len(t, h.stream.started, 1, "concurrent restarts join one start")
}

func TestScheduler_HealthyStreamNotRestarted(t *testing.T) {
	h := newHarness()
	h.stream.healthy = true
	h.slots.slot.Store(990)
	s := h.scheduler()

	tickAndWait(t, s)
	assert.Empty(t, h.stream.started)
}

func TestScheduler_RefreshesStaleStream(t *testing.T) {
	h := newHarness()
	h.stream.stats = stream.Stats{Active: true, TotalUpdates: 3, CacheAge: 80 * time.Millisecond}
	h.stream.healthy = true
	h.slots.slot.Store(980)
	s := h.scheduler()

	tickAndWait(t, s)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, h.stream.refreshs)

	h.stream.stats.CacheAge = 10 * time.Millisecond
	tickAndWait(t, s)
	assert.Len(t, h.stream.refreshs, 1)
}

func TestScheduler_PrefersWatcherBoard(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(900)
	snap := &chain.BoardSnapshot{Board: &domain.Board{RoundID: 77, EndSlot: 1000}}
	s := h.scheduler(func(o *Options) { o.Watcher = fakeWatcher{snap: snap} })

	tickAndWait(t, s)
	assert.Equal(t, uint64(77), s.state.RoundID)
	assert.Zero(t, h.board.calls)
}

func TestScheduler_SlotFallsBackToLastKnown(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(900)
	s := h.scheduler()

	tickAndWait(t, s)
	h.slots.slot.Store(0)
	tickAndWait(t, s)

	assert.Equal(t, int64(100), s.Status().RemainingSlots)
}

func TestScheduler_FinalizesEveryTick(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(900)
	s := h.scheduler()

	tickAndWait(t, s)
	tickAndWait(t, s)
	assert.Equal(t, []uint64{42, 42}, h.final.rounds)
}

func TestScheduler_ComputeSleep(t *testing.T) {
	s := New(Options{Logger: logging.Discard()})

	tests := []struct {
		name      string
		remaining int64
		threshold int
		want      time.Duration
	}{
		{"window closed", 0, 3, 150 * time.Millisecond},
		{"inside threshold", 2, 3, 150 * time.Millisecond},
		{"one slot out", 4, 3, 400 * time.Millisecond},
		{"far out", 100, 3, 2 * time.Second},
		{"zero threshold", 2, 0, 400 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.computeSleep(tt.remaining, tt.threshold))
		})
	}
}

func TestScheduler_AttemptThresholdClamp(t *testing.T) {
	s := New(Options{Settings: Config{MinSlots: 2, MaxSlots: 5, SafetySlots: 1}, Logger: logging.Discard()})

	assert.Equal(t, 2, s.attemptThreshold(0))
	assert.Equal(t, 4, s.attemptThreshold(3))
	assert.Equal(t, 5, s.attemptThreshold(9))
}

func TestScheduler_RunBacksOffAndStops(t *testing.T) {
	h := newHarness()
	h.board.err = errRPC
	s := h.scheduler()

	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			s.Stop()
		}
		return nil
	}

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, waits)
}

func TestScheduler_RunReturnsOnCancel(t *testing.T) {
	h := newHarness()
	h.slots.slot.Store(900)
	s := h.scheduler()

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
