// Package orchestrator drives the agent round by round.
// Each tick: board → transition → thresholds → warm caches → attempt → finalize.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/latency"
	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
	"ore-agent/internal/ore"
	"ore-agent/internal/placement"
	"ore-agent/internal/solana"
	"ore-agent/internal/stream"
)

// BoardFetcher reads the board over RPC.
type BoardFetcher interface {
	GetBoard(ctx context.Context) (*domain.Board, uint64, error)
}

// BoardView serves the push-updated board, nil until the first update.
type BoardView interface {
	Board() *chain.BoardSnapshot
}

// SlotSource returns the current slot, zero when unknown.
type SlotSource interface {
	Slot(ctx context.Context) uint64
}

// Estimator sizes the attempt window.
type Estimator interface {
	EstimateSlots(in latency.EstimateInput) int
	Snapshot() domain.LatencySnapshot
}

// Attempter runs one placement attempt.
type Attempter interface {
	Execute(ctx context.Context, roundID, endSlot uint64, observed *domain.Board) placement.Outcome
}

// PriceRefresher warms the price quote.
type PriceRefresher interface {
	Price() *domain.PriceQuote
	Refresh(ctx context.Context) (*domain.PriceQuote, error)
}

// RoundStream is the round-state push tracker.
type RoundStream interface {
	Start(ctx context.Context, sc stream.Context) error
	Stop(ctx context.Context)
	RefreshIfStale(ctx context.Context, maxAge time.Duration) bool
	IsHealthy() bool
	Stats() stream.Stats
}

// Prefetcher warms placement context ahead of the window.
type Prefetcher interface {
	Request(ctx context.Context, roundID uint64)
	Clear()
}

// ConfigCache holds program config derived values.
type ConfigCache interface {
	InvalidateEntropy()
	RefreshEntropy(ctx context.Context) error
}

// Checkpointer keeps the miner ready to deploy.
type Checkpointer interface {
	NotifyRoundStart(roundID uint64)
	EnsureReady(ctx context.Context, currentRoundID uint64) error
}

// Claimer claims accumulated rewards.
type Claimer interface {
	MaybeClaim(ctx context.Context) (uint64, error)
}

// Finalizer evaluates rounds whose checkpoint caught up.
type Finalizer interface {
	FinalizeRounds(ctx context.Context, currentRoundID uint64) error
}

// AccountReader reads the wallet state needed to start the stream.
type AccountReader interface {
	GetMiner(ctx context.Context, authority solana.PublicKey) (*domain.Miner, error)
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
}

// NewRoundFunc is invoked after every round transition.
type NewRoundFunc func(ctx context.Context, roundID, endSlot uint64)

// Config tunes thresholds and loop cadence.
type Config struct {
	MinSlots               int
	MaxSlots               int
	SafetySlots            int
	OverheadPerPlacementMs float64
	ParallelismFactor      float64
	MaxPlacements          int
	PrepSlotsAhead         int
	PriceRefreshLeadSlots  int
	StreamStartLeadSlots   int

	MinSleep     time.Duration
	MaxSleep     time.Duration
	ErrorBackoff time.Duration
	ClaimWait    time.Duration
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MinSlots:               1,
		MaxSlots:               5,
		SafetySlots:            1,
		OverheadPerPlacementMs: 10,
		ParallelismFactor:      1.5,
		MaxPlacements:          12,
		PrepSlotsAhead:         3,
		PriceRefreshLeadSlots:  20,
		StreamStartLeadSlots:   12,
		MinSleep:               ore.MinLoopSleepMs * time.Millisecond,
		MaxSleep:               ore.MaxLoopSleepMs * time.Millisecond,
		ErrorBackoff:           500 * time.Millisecond,
		ClaimWait:              250 * time.Millisecond,
	}
}

// Options wires the scheduler. Board, Slots, Latency and Attempt are
// required; every other capability may be nil.
type Options struct {
	Board   BoardFetcher
	Watcher BoardView
	Slots   SlotSource
	Latency Estimator
	Attempt Attempter

	Price      PriceRefresher
	Stream     RoundStream
	Prefetcher Prefetcher
	Config     ConfigCache
	Checkpoint Checkpointer
	Claimer    Claimer
	Finalizer  Finalizer
	Accounts   AccountReader
	Authority  solana.PublicKey
	OnNewRound NewRoundFunc

	Settings Config
	Logger   *slog.Logger
}

// RoundState holds the per-round flags. It is reset on every transition.
type RoundState struct {
	RoundID        uint64
	EndSlot        uint64
	Placed         bool
	PriceRefreshed bool
	EstimateLogged bool
	EndLogged      bool
	Outcome        *placement.Outcome
}

// Status is a point-in-time view of the scheduler for the status API.
type Status struct {
	RoundID          uint64
	EndSlot          uint64
	CurrentSlot      uint64
	RemainingSlots   int64
	AttemptThreshold int
	Placed           bool
	LastOutcome      *placement.Outcome
	UpdatedAt        time.Time
}

// Scheduler is the round scheduler. RoundState is only touched by the
// tick goroutine; background tasks publish through their collaborators.
type Scheduler struct {
	opts   Options
	cfg    Config
	logger *slog.Logger

	state        RoundState
	started      bool
	lastPlanned  int
	lastKnown    uint64
	claimDone    chan struct{}
	readyFlight  atomic.Bool
	streamFlight atomic.Bool
	stopped      atomic.Bool
	tasks        sync.WaitGroup

	statusMu sync.RWMutex
	status   Status

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	cfg := opts.Settings
	def := DefaultConfig()
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = def.MaxSlots
	}
	if cfg.MinSlots <= 0 {
		cfg.MinSlots = def.MinSlots
	}
	if cfg.MaxPlacements <= 0 {
		cfg.MaxPlacements = def.MaxPlacements
	}
	if cfg.MinSleep <= 0 {
		cfg.MinSleep = def.MinSleep
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = def.MaxSleep
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = def.ClaimWait
	}
	return &Scheduler{
		opts:   opts,
		cfg:    cfg,
		logger: logging.Component(opts.Logger, "scheduler"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run ticks until ctx is done or Stop is called. Background tasks are
// awaited before returning; a Stop returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.tasks.Wait()
	for !s.stopped.Load() {
		wait, err := s.tick(ctx)
		observability.RecordTick(err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("loop iteration failed", "error", err)
			wait = s.cfg.ErrorBackoff
		}
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// Stop asks the loop to exit at the top of the next tick.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}

// Status returns the latest tick view.
func (s *Scheduler) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	if st.LastOutcome != nil {
		o := *st.LastOutcome
		st.LastOutcome = &o
	}
	return st
}

func (s *Scheduler) tick(ctx context.Context) (time.Duration, error) {
	board, err := s.currentBoard(ctx)
	if err != nil {
		return 0, err
	}
	if board == nil {
		return 200 * time.Millisecond, nil
	}
	roundID, endSlot := board.RoundID, board.EndSlot

	if !s.started || roundID != s.state.RoundID {
		s.transition(ctx, roundID, endSlot)
	}
	s.state.EndSlot = endSlot

	currentSlot := s.currentSlot(ctx)
	remaining := int64(endSlot) - int64(currentSlot)
	observability.UpdateRemainingSlots(remaining)

	expected := s.expectedPlacements()
	placementThreshold := s.opts.Latency.EstimateSlots(latency.EstimateInput{
		ExpectedPlacements:     expected,
		MinSlots:               s.cfg.MinSlots,
		MaxSlots:               s.cfg.MaxSlots,
		SafetySlots:            s.cfg.SafetySlots,
		OverheadPerPlacementMs: &s.cfg.OverheadPerPlacementMs,
		ParallelismFactor:      &s.cfg.ParallelismFactor,
	})
	attemptThreshold := s.attemptThreshold(placementThreshold)

	if !s.state.EstimateLogged {
		s.state.EstimateLogged = true
		snap := s.opts.Latency.Snapshot()
		s.logger.Debug("auto trigger estimate",
			"round", roundID,
			"threshold_slots", placementThreshold,
			"expected_placements", expected,
			"prep_ms", snap.PrepMs,
			"exec_ms_per_placement", snap.ExecPerPlacementMs)
	}

	s.maintainStream(ctx, remaining, attemptThreshold)
	s.maybeRefreshPrice(ctx, roundID, remaining, placementThreshold)
	s.maybeStartStream(ctx, roundID, remaining, placementThreshold)

	if remaining <= 0 && !s.state.EndLogged {
		s.state.EndLogged = true
		s.logRoundEnd(roundID, endSlot, currentSlot)
	}

	if remaining <= int64(attemptThreshold+s.cfg.PrepSlotsAhead) {
		s.prefetchReadiness(ctx, roundID)
		if s.opts.Prefetcher != nil {
			s.opts.Prefetcher.Request(ctx, roundID)
		}
	}

	if s.shouldAttempt(remaining, attemptThreshold) {
		s.awaitClaim(ctx)
		out := s.opts.Attempt.Execute(ctx, roundID, endSlot, board)
		if out.Placed {
			s.state.Placed = true
		}
		s.state.Outcome = &out
		if out.Planned > 0 {
			s.lastPlanned = out.Planned
		}
	}

	if s.opts.Finalizer != nil {
		if err := s.opts.Finalizer.FinalizeRounds(ctx, roundID); err != nil {
			s.logger.Debug("finalize rounds failed", "error", err)
		}
	}

	s.publish(currentSlot, remaining, attemptThreshold)
	return s.computeSleep(remaining, attemptThreshold), nil
}

func (s *Scheduler) currentBoard(ctx context.Context) (*domain.Board, error) {
	if s.opts.Watcher != nil {
		if snap := s.opts.Watcher.Board(); snap != nil && snap.Board != nil {
			return snap.Board, nil
		}
	}
	board, _, err := s.opts.Board.GetBoard(ctx)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return nil, nil
	}
	return board, err
}

func (s *Scheduler) currentSlot(ctx context.Context) uint64 {
	if slot := s.opts.Slots.Slot(ctx); slot > 0 {
		s.lastKnown = slot
		return slot
	}
	if s.lastKnown > 0 {
		s.logger.Debug("slot unavailable, using last known", "slot", s.lastKnown)
	}
	return s.lastKnown
}

func (s *Scheduler) transition(ctx context.Context, roundID, endSlot uint64) {
	if s.started {
		s.logger.Info("new round", "round", roundID, "previous", s.state.RoundID, "end_slot", endSlot)
		observability.RecordRoundTransition()
	}
	s.started = true
	s.state = RoundState{RoundID: roundID, EndSlot: endSlot}

	if s.opts.Prefetcher != nil {
		s.opts.Prefetcher.Clear()
	}
	if s.opts.Stream != nil {
		s.opts.Stream.Stop(ctx)
	}
	if s.opts.Config != nil {
		s.opts.Config.InvalidateEntropy()
		s.spawn(func() {
			if err := s.opts.Config.RefreshEntropy(ctx); err != nil {
				s.logger.Debug("entropy var refresh failed", "round", roundID, "error", err)
			}
		})
	}
	if s.opts.Checkpoint != nil {
		s.opts.Checkpoint.NotifyRoundStart(roundID)
	}
	s.startCatchUp(ctx, roundID)

	if s.opts.OnNewRound != nil {
		s.opts.OnNewRound(ctx, roundID, endSlot)
	}
}

// startCatchUp checkpoints the previous round and claims rewards. At most
// one catch-up runs at a time.
func (s *Scheduler) startCatchUp(ctx context.Context, roundID uint64) {
	if s.opts.Checkpoint == nil && s.opts.Claimer == nil {
		return
	}
	if s.claimDone != nil {
		select {
		case <-s.claimDone:
		default:
			s.logger.Debug("claim already in flight, skipping")
			return
		}
	}
	done := make(chan struct{})
	s.claimDone = done
	s.spawn(func() {
		defer close(done)
		if s.opts.Checkpoint != nil {
			if err := s.opts.Checkpoint.EnsureReady(ctx, roundID); err != nil {
				s.logger.Debug("checkpoint catch-up failed", "round", roundID, "error", err)
			}
		}
		if s.opts.Claimer != nil {
			claimed, err := s.opts.Claimer.MaybeClaim(ctx)
			if err != nil {
				s.logger.Debug("claim check failed", "error", err)
				return
			}
			if claimed > 0 {
				s.logger.Info("claimed rewards", "round", roundID, "sol", float64(claimed)/ore.LamportsPerSol)
			}
		}
	})
}

func (s *Scheduler) awaitClaim(ctx context.Context) {
	if s.claimDone == nil {
		return
	}
	start := s.now()
	timer := time.NewTimer(s.cfg.ClaimWait)
	defer timer.Stop()
	select {
	case <-s.claimDone:
		return
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.Debug("claim in flight, waited before placement", "waited", s.now().Sub(start))
}

func (s *Scheduler) maintainStream(ctx context.Context, remaining int64, attemptThreshold int) {
	if s.opts.Stream == nil {
		return
	}
	st := s.opts.Stream.Stats()
	if !st.Active || st.TotalUpdates == 0 || remaining <= int64(attemptThreshold) {
		return
	}
	var maxAge time.Duration
	switch {
	case st.CacheAge > 50*time.Millisecond:
		maxAge = 50 * time.Millisecond
	case remaining <= int64(attemptThreshold+2) && st.CacheAge > 30*time.Millisecond:
		maxAge = 30 * time.Millisecond
	default:
		return
	}
	s.spawn(func() { s.opts.Stream.RefreshIfStale(ctx, maxAge) })
}

func (s *Scheduler) maybeRefreshPrice(ctx context.Context, roundID uint64, remaining int64, placementThreshold int) {
	if s.opts.Price == nil || s.state.PriceRefreshed {
		return
	}
	if remaining > int64(placementThreshold+s.cfg.PriceRefreshLeadSlots) || remaining <= int64(placementThreshold) {
		return
	}
	s.state.PriceRefreshed = true
	s.logger.Info("proactive price refresh", "round", roundID, "remaining_slots", remaining)
	s.spawn(func() {
		if _, err := s.opts.Price.Refresh(ctx); err != nil {
			s.logger.Debug("price refresh failed", "error", err)
		}
	})
}

func (s *Scheduler) maybeStartStream(ctx context.Context, roundID uint64, remaining int64, placementThreshold int) {
	if s.opts.Stream == nil || s.opts.Accounts == nil {
		return
	}
	if remaining > int64(placementThreshold+s.cfg.StreamStartLeadSlots) || remaining <= int64(placementThreshold) {
		return
	}
	if s.opts.Stream.IsHealthy() {
		return
	}
	if s.startStreamAsync(ctx, roundID) {
		s.logger.Debug("starting round stream", "round", roundID, "remaining_slots", remaining)
	}
}

// RestartStream starts the round stream in the background and returns at
// once. It joins a start that is already running. Used as the stream
// helper's restart hook.
func (s *Scheduler) RestartStream(ctx context.Context, roundID uint64) error {
	if s.opts.Stream == nil || s.opts.Accounts == nil {
		return errors.New("round stream not configured")
	}
	s.startStreamAsync(ctx, roundID)
	return nil
}

func (s *Scheduler) startStreamAsync(ctx context.Context, roundID uint64) bool {
	if !s.streamFlight.CompareAndSwap(false, true) {
		return false
	}
	s.spawn(func() {
		defer s.streamFlight.Store(false)
		if err := s.StartStream(ctx, roundID); err != nil {
			s.logger.Debug("failed to start stream", "round", roundID, "error", err)
		}
	})
	return true
}

// StartStream fetches the wallet context and starts the round stream.
func (s *Scheduler) StartStream(ctx context.Context, roundID uint64) error {
	if s.opts.Stream == nil || s.opts.Accounts == nil {
		return errors.New("round stream not configured")
	}
	var (
		miner   *domain.Miner
		balance uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := s.opts.Accounts.GetMiner(gctx, s.opts.Authority)
		miner = m
		return err
	})
	g.Go(func() error {
		b, err := s.opts.Accounts.GetBalance(gctx, s.opts.Authority)
		balance = b
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if miner == nil {
		return errors.New("miner unavailable")
	}

	var quote *domain.PriceQuote
	if s.opts.Price != nil {
		quote = s.opts.Price.Price()
	}
	if quote == nil {
		return errors.New("price unavailable")
	}

	return s.opts.Stream.Start(ctx, stream.Context{
		RoundID:         roundID,
		Miner:           miner,
		BalanceLamports: balance,
		Price:           quote,
		MaxPlacements:   s.cfg.MaxPlacements,
	})
}

func (s *Scheduler) prefetchReadiness(ctx context.Context, roundID uint64) {
	if s.opts.Checkpoint == nil || !s.readyFlight.CompareAndSwap(false, true) {
		return
	}
	s.spawn(func() {
		defer s.readyFlight.Store(false)
		if err := s.opts.Checkpoint.EnsureReady(ctx, roundID); err != nil {
			s.logger.Debug("prefetch checkpoint failed", "round", roundID, "error", err)
		}
	})
}

func (s *Scheduler) logRoundEnd(roundID, endSlot, currentSlot uint64) {
	out := s.state.Outcome
	if out == nil || !out.Placed {
		s.logger.Info("round ended", "round", roundID, "placed", false)
		return
	}
	before := int64(endSlot) - int64(out.FinishSlot)
	s.logger.Info("round ended",
		"round", roundID,
		"slot", currentSlot,
		"end_slot", endSlot,
		"flow_duration", out.FinishedAt.Sub(out.StartedAt),
		"finished_slots_before_end", before,
		"finished_ms_before_end", before*ore.SlotDurationMs)
}

func (s *Scheduler) expectedPlacements() int {
	if s.lastPlanned > 0 {
		return min(s.lastPlanned, s.cfg.MaxPlacements)
	}
	return s.cfg.MaxPlacements
}

func (s *Scheduler) attemptThreshold(base int) int {
	return max(s.cfg.MinSlots, min(s.cfg.MaxSlots, base+s.cfg.SafetySlots))
}

func (s *Scheduler) shouldAttempt(remaining int64, threshold int) bool {
	if s.state.Placed || remaining <= 0 {
		return false
	}
	return remaining <= int64(threshold)
}

func (s *Scheduler) computeSleep(remaining int64, threshold int) time.Duration {
	if remaining <= 0 {
		return s.cfg.MinSleep
	}
	target := int64(max(threshold, 1))
	if remaining <= target {
		return s.cfg.MinSleep
	}
	est := time.Duration(remaining-target) * ore.SlotDurationMs * time.Millisecond
	return max(s.cfg.MinSleep, min(est, s.cfg.MaxSleep))
}

func (s *Scheduler) publish(currentSlot uint64, remaining int64, threshold int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = Status{
		RoundID:          s.state.RoundID,
		EndSlot:          s.state.EndSlot,
		CurrentSlot:      currentSlot,
		RemainingSlots:   remaining,
		AttemptThreshold: threshold,
		Placed:           s.state.Placed,
		LastOutcome:      s.state.Outcome,
		UpdatedAt:        s.now(),
	}
}

func (s *Scheduler) spawn(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
