// Package metrics tracks round profit and loss and summarizes evaluated rounds.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/notify"
	"ore-agent/internal/observability"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
	"ore-agent/internal/storage"
)

// DefaultLossEvery is how many consecutive losses trigger a loss notification.
const DefaultLossEvery = 5

// MinerReader reads the miner account.
type MinerReader interface {
	GetMiner(ctx context.Context, authority solana.PublicKey) (*domain.Miner, error)
}

// PriceSource returns the latest quote, nil when unknown.
type PriceSource interface {
	Price() *domain.PriceQuote
}

// TrackerOptions configures a Tracker. Sink, Store and Price may be nil;
// a nil Sink disables tracking entirely.
type TrackerOptions struct {
	Reader    MinerReader
	Authority solana.PublicKey
	Sink      notify.Sink
	Store     storage.OutcomeStore
	Price     PriceSource
	LossEvery int
	Logger    *slog.Logger
}

type roundStake struct {
	stakeLamports uint64
	squares       map[int]struct{}
	placements    int
	quote         *domain.PriceQuote
}

// Tracker attributes rewards deltas to the rounds the agent staked in.
// A round is evaluated once the miner checkpoint has caught up past it.
type Tracker struct {
	opts   TrackerOptions
	logger *slog.Logger

	mu         sync.Mutex
	rounds     map[uint64]*roundStake
	baseSol    uint64
	baseOre    uint64
	baseline   bool
	lossStreak int

	now func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	if opts.LossEvery <= 0 {
		opts.LossEvery = DefaultLossEvery
	}
	return &Tracker{
		opts:   opts,
		logger: logging.Component(opts.Logger, "round-pnl"),
		rounds: make(map[uint64]*roundStake),
		now:    time.Now,
	}
}

// Enabled reports whether the tracker does anything.
func (t *Tracker) Enabled() bool {
	return t.opts.Sink != nil
}

func (t *Tracker) round(roundID uint64) *roundStake {
	rs, ok := t.rounds[roundID]
	if !ok {
		rs = &roundStake{squares: make(map[int]struct{})}
		t.rounds[roundID] = rs
	}
	return rs
}

// SetBaseline sets the rewards baseline explicitly.
func (t *Tracker) SetBaseline(rewardsSol, rewardsOre uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseSol, t.baseOre = rewardsSol, rewardsOre
	t.baseline = true
}

// RecordPlacement adds a completed placement to its round.
func (t *Tracker) RecordPlacement(roundID uint64, square int, lamports uint64) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.round(roundID)
	rs.stakeLamports += lamports
	rs.squares[square] = struct{}{}
	rs.placements++
}

// SetPriceQuote pins the quote used to value ORE won in roundID.
func (t *Tracker) SetPriceQuote(roundID uint64, q *domain.PriceQuote) {
	if !t.Enabled() || q == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *q
	t.round(roundID).quote = &cp
}

// HandleClaimed lowers the baseline by claimed rewards so the claim is not
// mistaken for a loss.
func (t *Tracker) HandleClaimed(solLamports, oreAtoms uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.baseline {
		return
	}
	t.baseSol = saturatingSub(t.baseSol, solLamports)
	t.baseOre = saturatingSub(t.baseOre, oreAtoms)
}

// Pending returns the number of tracked rounds not yet evaluated.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rounds)
}

// FinalizeRounds evaluates at most one round older than currentRoundID whose
// checkpoint has caught up. The first call only records the baseline.
func (t *Tracker) FinalizeRounds(ctx context.Context, currentRoundID uint64) error {
	if !t.Enabled() {
		return nil
	}
	t.mu.Lock()
	idle := len(t.rounds) == 0 && t.baseline
	t.mu.Unlock()
	if idle {
		return nil
	}

	miner, err := t.opts.Reader.GetMiner(ctx, t.opts.Authority)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize rounds: %w", err)
	}

	t.mu.Lock()
	if !t.baseline {
		t.baseSol, t.baseOre = miner.RewardsSol, miner.RewardsOre
		t.baseline = true
		t.mu.Unlock()
		return nil
	}

	ids := make([]uint64, 0, len(t.rounds))
	for id := range t.rounds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var outcome *domain.RoundOutcome
	var event *notify.Event
	for _, id := range ids {
		if id >= currentRoundID || miner.CheckpointID < id {
			continue
		}
		outcome, event = t.evaluate(id, miner)
		break
	}
	t.mu.Unlock()

	if outcome == nil {
		return nil
	}
	observability.RecordRoundOutcome(outcome.Outcome)
	if event != nil {
		notify.Fire(ctx, t.opts.Sink, *event, t.logger)
	}
	if t.opts.Store != nil {
		if err := t.opts.Store.Insert(ctx, outcome); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("store outcome %d: %w", outcome.RoundID, err)
		}
	}
	return nil
}

// evaluate must be called with t.mu held.
func (t *Tracker) evaluate(roundID uint64, miner *domain.Miner) (*domain.RoundOutcome, *notify.Event) {
	rs := t.rounds[roundID]
	delete(t.rounds, roundID)

	deltaSol := int64(miner.RewardsSol) - int64(t.baseSol)
	deltaOre := int64(miner.RewardsOre) - int64(t.baseOre)
	t.baseSol, t.baseOre = miner.RewardsSol, miner.RewardsOre

	if rs.stakeLamports == 0 {
		t.lossStreak = 0
		return nil, nil
	}

	squares := make([]int, 0, len(rs.squares))
	for sq := range rs.squares {
		squares = append(squares, sq)
	}
	sort.Ints(squares)

	out := &domain.RoundOutcome{
		RoundID:         roundID,
		StakeLamports:   rs.stakeLamports,
		Squares:         squares,
		Placements:      rs.placements,
		RewardsSolDelta: deltaSol,
		RewardsOreDelta: deltaOre,
		PnLLamports:     deltaSol - int64(rs.stakeLamports),
		EvaluatedAt:     t.now().UnixMilli(),
	}

	quote := rs.quote
	if quote == nil && t.opts.Price != nil {
		quote = t.opts.Price.Price()
	}
	out.RealPnLLamports = out.PnLLamports
	if quote != nil {
		out.NetSolPerOre = quote.NetSolPerOre
		if v, ok := OreValueLamports(deltaOre, quote.NetSolPerOre); ok {
			out.RealPnLLamports += v
		}
	}

	if deltaSol > 0 || deltaOre > 0 {
		out.Outcome = domain.OutcomeWin
		out.LossesBeforeWin = t.lossStreak
		t.lossStreak = 0
		ev := notify.Win(notify.WinParams{
			RoundID:         roundID,
			WinningOreAtoms: deltaOre,
			StakeLamports:   rs.stakeLamports,
			PnLLamports:     out.PnLLamports,
			RealPnLLamports: out.RealPnLLamports,
			Squares:         len(squares),
			LossesBeforeWin: out.LossesBeforeWin,
		})
		return out, &ev
	}

	out.Outcome = domain.OutcomeLoss
	t.lossStreak++
	if t.lossStreak%t.opts.LossEvery == 0 {
		ev := notify.Loss(roundID, rs.stakeLamports, len(squares), t.lossStreak)
		return out, &ev
	}
	return out, nil
}

// OreValueLamports values ORE atoms at solPerOre. ok is false for a
// non-positive price.
func OreValueLamports(atoms int64, solPerOre float64) (int64, bool) {
	if !(solPerOre > 0) {
		return 0, false
	}
	lamportsPerOre := decimal.NewFromFloat(solPerOre).Mul(decimal.New(ore.LamportsPerSol, 0)).Round(0)
	if !lamportsPerOre.IsPositive() {
		return 0, false
	}
	v := decimal.NewFromInt(atoms).Mul(lamportsPerOre).Div(decimal.New(ore.OreAtomsPerOre, 0)).Truncate(0)
	return v.IntPart(), true
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
