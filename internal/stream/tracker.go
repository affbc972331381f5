// Package stream tracks the live deployment totals of the active round from
// a push subscription, with pull refreshes when the push path goes quiet.
package stream

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
	"ore-agent/internal/strategy"
)

// Never is the cache age reported before any update was applied.
const Never = time.Duration(math.MaxInt64)

// Tracker defaults.
const (
	DefaultHealthThreshold = 2000 * time.Millisecond
	DefaultStaleAfter      = 500 * time.Millisecond
)

// State is the lifecycle state of the tracker.
type State string

// Tracker states.
const (
	StateInactive     State = "inactive"
	StateSubscribing  State = "subscribing"
	StateLive         State = "live"
	StateStale        State = "stale"
	StateRefreshing   State = "refreshing"
	StateUnsubscribed State = "unsubscribed"
)

// RoundSource reads and subscribes to round accounts.
type RoundSource interface {
	GetRound(ctx context.Context, id uint64) (*domain.Round, uint64, error)
	SubscribeAccount(ctx context.Context, address solana.PublicKey, handler chain.AccountHandler) (uint64, error)
	Unsubscribe(ctx context.Context, handle uint64)
}

// Planner turns a snapshot into ranked decisions.
type Planner interface {
	Plan(in strategy.PlanInput) strategy.Plan
}

// Context is the non-round planning input held by the tracker.
type Context struct {
	RoundID         uint64
	Miner           *domain.Miner
	BalanceLamports uint64
	Price           *domain.PriceQuote
	MaxPlacements   int // 0 keeps every decision
}

// ContextUpdate replaces the non-nil fields of the current context.
type ContextUpdate struct {
	Miner           *domain.Miner
	BalanceLamports *uint64
	Price           *domain.PriceQuote
	MaxPlacements   *int
}

// Stats summarizes tracker activity.
type Stats struct {
	RoundID       uint64
	TotalUpdates  int
	MissedUpdates int
	CacheAge      time.Duration
	Active        bool
	State         State
}

// Options configures a Tracker.
type Options struct {
	Source          RoundSource
	Planner         Planner
	HealthThreshold time.Duration
	Logger          *slog.Logger
}

// Tracker maintains the active round snapshot and the decisions derived
// from it. All methods are safe for concurrent use.
type Tracker struct {
	source    RoundSource
	planner   Planner
	healthMax time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	generation    uint64
	active        bool
	stopped       bool
	handle        uint64
	sc            *Context
	round         *domain.Round
	decisions     []domain.PlacementDecision
	lastSlot      uint64
	lastUpdate    time.Time
	totalUpdates  int
	missedUpdates int
	lastRefresh   time.Duration

	refreshing atomic.Bool
}

// NewTracker creates a Tracker.
func NewTracker(opts Options) *Tracker {
	if opts.HealthThreshold <= 0 {
		opts.HealthThreshold = DefaultHealthThreshold
	}
	return &Tracker{
		source:    opts.Source,
		planner:   opts.Planner,
		healthMax: opts.HealthThreshold,
		logger:    logging.Component(opts.Logger, "round-stream"),
		now:       time.Now,
	}
}

// Start begins tracking sc.RoundID. When already tracking that round only
// the context is replaced and decisions are recomputed.
func (t *Tracker) Start(ctx context.Context, sc Context) error {
	t.mu.Lock()
	if t.active && t.sc != nil && t.sc.RoundID == sc.RoundID {
		t.sc = &sc
		t.recompute()
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.Stop(ctx)

	t.mu.Lock()
	t.generation++
	gen := t.generation
	t.sc = &sc
	t.active = true
	t.stopped = false
	t.totalUpdates, t.missedUpdates = 0, 0
	t.mu.Unlock()

	handle, err := t.source.SubscribeAccount(ctx, ore.RoundPDA(sc.RoundID), func(slot uint64, data []byte) {
		t.onPush(gen, slot, data)
	})
	if err != nil {
		t.mu.Lock()
		if t.generation == gen {
			t.active = false
		}
		t.mu.Unlock()
		t.logger.Error("round subscription failed", "round", sc.RoundID, "error", err)
		return err
	}

	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		t.source.Unsubscribe(ctx, handle)
		return nil
	}
	t.handle = handle
	t.mu.Unlock()
	t.logger.Debug("round subscribed", "round", sc.RoundID, "handle", handle)

	go t.seed(ctx, gen, sc.RoundID)
	return nil
}

func (t *Tracker) seed(ctx context.Context, gen, roundID uint64) {
	round, slot, err := t.source.GetRound(ctx, roundID)
	if err != nil {
		t.logger.Warn("initial round fetch failed", "round", roundID, "error", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != gen || !t.active || slot < t.lastSlot {
		return
	}
	t.apply(round, slot)
	t.logger.Debug("initial round fetched", "round", roundID, "decisions", len(t.decisions))
}

// UpdateContext merges u into the planning context and recomputes.
func (t *Tracker) UpdateContext(u ContextUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sc == nil {
		return
	}
	changed := false
	if u.Miner != nil {
		t.sc.Miner = u.Miner
		changed = true
	}
	if u.BalanceLamports != nil {
		t.sc.BalanceLamports = *u.BalanceLamports
		changed = true
	}
	if u.Price != nil {
		t.sc.Price = u.Price
		changed = true
	}
	if u.MaxPlacements != nil {
		t.sc.MaxPlacements = *u.MaxPlacements
		changed = true
	}
	if changed {
		t.recompute()
	}
}

func (t *Tracker) onPush(gen, slot uint64, data []byte) {
	round, err := ore.DecodeRound(data)
	if err != nil {
		t.logger.Error("failed to decode round update", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != gen || !t.active || t.sc == nil {
		return
	}
	if round.ID != t.sc.RoundID {
		t.logger.Warn("round update for another round", "round", t.sc.RoundID, "got", round.ID)
		return
	}
	if slot < t.lastSlot {
		t.missedUpdates++
		observability.RecordStreamMissed()
		t.logger.Debug("ignoring out-of-order update", "round", round.ID, "slot", slot, "last", t.lastSlot)
		return
	}
	t.totalUpdates++
	observability.RecordStreamUpdate()
	t.apply(round, slot)
}

// apply stores a snapshot and recomputes decisions when deployments changed.
// Caller holds mu.
func (t *Tracker) apply(round *domain.Round, slot uint64) bool {
	changed := !round.SameDeployment(t.round)
	t.round = round
	t.lastSlot = slot
	t.lastUpdate = t.now()
	if changed {
		t.recompute()
	}
	return changed
}

// recompute rebuilds the decision cache. Caller holds mu.
func (t *Tracker) recompute() {
	if t.round == nil || t.sc == nil || t.planner == nil {
		t.decisions = nil
		return
	}
	plan := t.planner.Plan(strategy.PlanInput{
		Round:           t.round,
		Miner:           t.sc.Miner,
		Price:           t.sc.Price,
		BalanceLamports: t.sc.BalanceLamports,
	})
	decisions := plan.Decisions
	if t.sc.MaxPlacements > 0 && len(decisions) > t.sc.MaxPlacements {
		decisions = decisions[:t.sc.MaxPlacements]
	}
	t.decisions = decisions
}

// RefreshIfStale pulls the round when the cache is older than maxAge.
// Returns false when skipped, already refreshing or failed.
func (t *Tracker) RefreshIfStale(ctx context.Context, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}
	if t.CacheAge() < maxAge {
		return false
	}
	return t.refresh(ctx)
}

// ForceRefresh pulls the round regardless of cache age.
func (t *Tracker) ForceRefresh(ctx context.Context) bool {
	return t.refresh(ctx)
}

func (t *Tracker) refresh(ctx context.Context) bool {
	t.mu.Lock()
	if !t.active || t.sc == nil {
		t.mu.Unlock()
		return false
	}
	gen, roundID := t.generation, t.sc.RoundID
	t.mu.Unlock()

	if !t.refreshing.CompareAndSwap(false, true) {
		return false
	}
	defer t.refreshing.Store(false)

	start := t.now()
	round, slot, err := t.source.GetRound(ctx, roundID)
	observability.RecordStreamRefresh(err)
	if err != nil {
		t.logger.Error("round refresh failed", "round", roundID, "error", err)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation != gen || !t.active {
		return false
	}
	if slot < t.lastSlot {
		// A push already delivered something newer.
		t.lastUpdate = t.now()
		t.lastRefresh = t.now().Sub(start)
		return true
	}
	changed := t.apply(round, slot)
	t.lastRefresh = t.now().Sub(start)
	if changed {
		t.logger.Debug("refresh applied changes", "round", roundID, "took", t.lastRefresh)
	}
	return true
}

// Round returns a copy of the latest snapshot, or nil.
func (t *Tracker) Round() *domain.Round {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.round.Clone()
}

// PeekTopDecision returns the highest ranked decision without consuming it.
func (t *Tracker) PeekTopDecision() (domain.PlacementDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.decisions) == 0 {
		return domain.PlacementDecision{}, false
	}
	return t.decisions[0], true
}

// AllDecisions returns a copy of the cached decisions.
func (t *Tracker) AllDecisions() []domain.PlacementDecision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.PlacementDecision(nil), t.decisions...)
}

// ConsumeDecision pops the highest ranked decision.
func (t *Tracker) ConsumeDecision() (domain.PlacementDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.decisions) == 0 {
		return domain.PlacementDecision{}, false
	}
	d := t.decisions[0]
	t.decisions = t.decisions[1:]
	return d, true
}

// ClearDecisions drops cached decisions until the next change.
func (t *Tracker) ClearDecisions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decisions = nil
}

// CacheAge returns the time since the last applied update, or Never.
func (t *Tracker) CacheAge() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cacheAge()
}

func (t *Tracker) cacheAge() time.Duration {
	if t.lastUpdate.IsZero() {
		return Never
	}
	return t.now().Sub(t.lastUpdate)
}

// LastRefreshDuration returns how long the last pull refresh took.
func (t *Tracker) LastRefreshDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRefresh
}

// IsHealthy reports whether the tracker is active with a recent update.
func (t *Tracker) IsHealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && t.cacheAge() < t.healthMax
}

// IsActive reports whether a subscription is open.
func (t *Tracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Context returns a copy of the planning context, or false when inactive.
func (t *Tracker) Context() (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.sc == nil {
		return Context{}, false
	}
	return *t.sc, true
}

// RoundID returns the tracked round, or 0 when inactive.
func (t *Tracker) RoundID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.sc == nil {
		return 0
	}
	return t.sc.RoundID
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state()
}

func (t *Tracker) state() State {
	switch {
	case !t.active && t.stopped:
		return StateUnsubscribed
	case !t.active:
		return StateInactive
	case t.refreshing.Load():
		return StateRefreshing
	case t.lastUpdate.IsZero():
		return StateSubscribing
	case t.cacheAge() < t.healthMax:
		return StateLive
	default:
		return StateStale
	}
}

// Stats returns counters and health for diagnostics.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var roundID uint64
	if t.sc != nil {
		roundID = t.sc.RoundID
	}
	return Stats{
		RoundID:       roundID,
		TotalUpdates:  t.totalUpdates,
		MissedUpdates: t.missedUpdates,
		CacheAge:      t.cacheAge(),
		Active:        t.active,
		State:         t.state(),
	}
}

// Stop unsubscribes and clears all round-scoped state. Safe to call when
// not started.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	handle := t.handle
	wasActive := t.active
	t.generation++
	t.handle = 0
	t.active = false
	t.stopped = wasActive || t.stopped
	t.sc = nil
	t.round = nil
	t.decisions = nil
	t.lastSlot = 0
	t.lastUpdate = time.Time{}
	t.lastRefresh = 0
	t.mu.Unlock()

	if handle != 0 {
		t.source.Unsubscribe(ctx, handle)
		t.logger.Debug("round unsubscribed", "handle", handle)
	}
}
