package placement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ore-agent/internal/domain"
	"ore-agent/internal/latency"
	"ore-agent/internal/logging"
	"ore-agent/internal/stream"
	"ore-agent/internal/strategy"
)

type memJournal struct {
	mu      sync.Mutex
	records []*domain.LatencyRecord
}

func (j *memJournal) Enqueue(r *domain.LatencyRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
}

type fixedReadiness stream.Readiness

func (r fixedReadiness) Prepare(context.Context, uint64) stream.Readiness { return stream.Readiness(r) }

type fixedGate strategy.MiningDecision

func (g fixedGate) Evaluate(context.Context, uint64) strategy.MiningCostResult {
	return strategy.MiningCostResult{Decision: strategy.MiningDecision(g)}
}

// attemptQuote prices ORE high enough that an empty round is always worth mining.
func attemptQuote() *domain.PriceQuote {
	return &domain.PriceQuote{SolPerOre: 5, NetSolPerOre: 4.5, FetchedAt: time.Now()}
}

type attemptFixture struct {
	chain   *fakeChain
	sender  *fakeSender
	slots   *fakeSlots
	journal *memJournal
	opts    AttemptOptions
}

func newAttemptFixture(quote *domain.PriceQuote) *attemptFixture {
	c := newFakeChain()
	c.board = &domain.Board{RoundID: 20, StartSlot: 10, EndSlot: 110}
	c.rounds[20] = &domain.Round{ID: 20}
	sender := &fakeSender{}
	slots := &fakeSlots{slot: 100}
	journal := &memJournal{}
	logger := logging.Discard()

	planner := strategy.NewPlanner(strategy.PlannerConfig{
		BaseStakePercent:   0.015,
		CapNormalLamports:  100_000_000,
		CapHighLamports:    300_000_000,
		MaxPlacements:      3,
		BufferLamports:     50_000_000,
		MinStakeLamports:   10_000_000,
		ScanSquareCount:    25,
		IncludeOreInEV:     true,
		StakeScalingFactor: 2,
	}, logger)

	instructions := newTestBuilder(c, 0)
	return &attemptFixture{
		chain:   c,
		sender:  sender,
		slots:   slots,
		journal: journal,
		opts: AttemptOptions{
			Board:        c,
			Resolver:     newTestResolver(c, quote, nil, nil),
			Planner:      planner,
			Instructions: instructions,
			Queue:        NewQueueBuilder(testQueueConfig(), nil, logger),
			Executor:     NewExecutor(ExecutorOptions{Sender: sender, Blockhash: fakeBlockhash{}, Logger: logger}),
			Latency:      latency.NewEstimator(latency.EstimatorOptions{}),
			Journal:      journal,
			Slots:        slots,
			Logger:       logger,
		},
	}
}

func (f *attemptFixture) run(observed *domain.Board) Outcome {
	return NewAttempt(f.opts).Execute(context.Background(), 20, 110, observed)
}

func TestAttempt_DirectPathPlaces(t *testing.T) {
	f := newAttemptFixture(attemptQuote())

	out := f.run(f.chain.board)

	require.True(t, out.Placed, "skip=%s", out.Skip)
	assert.Equal(t, SourceDirect, out.Source)
	assert.Equal(t, 3, out.Planned)
	assert.Equal(t, 3, out.Completed)
	assert.Len(t, f.sender.submitted, 3)
	assert.Equal(t, uint64(100), out.FinishSlot)
	require.Len(t, f.journal.records, 1)
	assert.Equal(t, uint64(20), f.journal.records[0].RoundID)
	assert.Equal(t, 3, f.journal.records[0].Placements)
}

func TestAttempt_RoundChanged(t *testing.T) {
	f := newAttemptFixture(attemptQuote())

	out := f.run(&domain.Board{RoundID: 21})
	assert.Equal(t, SkipRoundChanged, out.Skip)

	f.chain.board.RoundID = 21
	out = f.run(nil)
	assert.Equal(t, SkipRoundChanged, out.Skip)
	assert.Empty(t, f.sender.submitted)
}

func TestAttempt_FastModeSkipsBoardCheck(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	f.opts.FastMode = true

	out := f.run(nil)
	assert.True(t, out.Placed)
	assert.Zero(t, f.chain.count("board"))
}

func TestAttempt_CheckpointNotReady(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	f.opts.Ready = func(context.Context, uint64) error { return errFake }

	out := f.run(nil)
	assert.Equal(t, SkipCheckpoint, out.Skip)
	assert.Zero(t, f.chain.count("round"))
}

func TestAttempt_NoPrice(t *testing.T) {
	f := newAttemptFixture(nil)

	out := f.run(nil)
	assert.Equal(t, SkipNoContext, out.Skip)
	assert.False(t, out.Placed)
}

func TestAttempt_MiningCostSkip(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	f.opts.MiningGate = fixedGate(strategy.Skip)

	out := f.run(nil)
	assert.Equal(t, SkipMiningCost, out.Skip)
	assert.Empty(t, f.sender.submitted)
}

func TestAttempt_NoProfitableSquares(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	f.chain.balance = 0

	out := f.run(nil)
	assert.Equal(t, SkipNoDecisions, out.Skip)
}

func TestAttempt_WindowClosed(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	f.slots.set(110)

	out := f.run(nil)
	assert.Equal(t, SkipWindowClosed, out.Skip)
	assert.Equal(t, 3, out.Planned)
	assert.Empty(t, f.sender.submitted)
	assert.Empty(t, f.journal.records)
}

func TestAttempt_AllPlacementsFail(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	f.sender.fail = map[int]bool{}
	for sq := 0; sq < 25; sq++ {
		f.sender.fail[sq] = true
	}

	out := f.run(nil)
	assert.Equal(t, SkipNoneCompleted, out.Skip)
	assert.Empty(t, f.journal.records)
}

func TestAttempt_StreamPath(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	s := healthyStream(20, 20*time.Millisecond)
	s.decisions = []domain.PlacementDecision{decision(6, 3), decision(8, 2)}
	f.opts.Stream = s
	f.opts.Helper = fixedReadiness{Healthy: true, Fresh: true, Stats: stream.Stats{CacheAge: 20 * time.Millisecond}}

	out := f.run(nil)

	require.True(t, out.Placed, "skip=%s", out.Skip)
	assert.Equal(t, SourceStream, out.Source)
	assert.Zero(t, f.chain.count("round"), "stream path must not fetch the round")
	assert.ElementsMatch(t, []int{6, 8}, f.sender.submitted)
}

func TestAttempt_StaleHealthyStreamSkips(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	f.opts.Helper = fixedReadiness{Healthy: true, Fresh: false}

	out := f.run(nil)
	assert.Equal(t, SkipStreamNotFresh, out.Skip)
}

func TestAttempt_UnhealthyStreamFallsBack(t *testing.T) {
	f := newAttemptFixture(attemptQuote())
	f.opts.Stream = &fakeStream{}
	f.opts.Helper = fixedReadiness{}

	out := f.run(nil)
	assert.True(t, out.Placed)
	assert.Equal(t, SourceDirect, out.Source)
}
