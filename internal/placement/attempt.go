package placement

import (
	"context"
	"log/slog"
	"time"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
	"ore-agent/internal/stream"
	"ore-agent/internal/strategy"
)

// Skip reasons reported by an attempt that placed nothing.
const (
	SkipRoundChanged   = "round_changed"
	SkipCheckpoint     = "checkpoint_not_ready"
	SkipStreamNotFresh = "stream_not_fresh"
	SkipNoContext      = "context_unavailable"
	SkipMiningCost     = "mining_cost"
	SkipNoDecisions    = "no_profitable_squares"
	SkipPrepareFailed  = "prepare_failed"
	SkipWindowClosed   = "window_closed"
	SkipNoneCompleted  = "none_completed"
)

// BoardReader re-reads the board before committing to an attempt.
type BoardReader interface {
	GetBoard(ctx context.Context) (*domain.Board, uint64, error)
}

// Planner plans and re-scores placements.
type Planner interface {
	Recalculator
	Plan(in strategy.PlanInput) strategy.Plan
}

// MiningGate decides whether a round is worth mining at all.
type MiningGate interface {
	Evaluate(ctx context.Context, roundID uint64) strategy.MiningCostResult
}

// LatencyRecorder keeps the rolling latency statistics.
type LatencyRecorder interface {
	Record(placements int, prepMs, execMs float64)
	Snapshot() domain.LatencySnapshot
}

// LatencyJournal persists latency samples.
type LatencyJournal interface {
	Enqueue(r *domain.LatencyRecord)
}

// PriceRecorder remembers the quote a round was planned with.
type PriceRecorder interface {
	SetPriceQuote(roundID uint64, q *domain.PriceQuote)
}

// StreamTracker is the round stream as seen by an attempt.
type StreamTracker interface {
	StreamView
	DecisionStream
	AllDecisions() []domain.PlacementDecision
	LastRefreshDuration() time.Duration
}

// StreamPreparer brings the stream up to date before an attempt.
type StreamPreparer interface {
	Prepare(ctx context.Context, roundID uint64) stream.Readiness
}

// AttemptOptions wires an Attempt. Ready, Stream, Helper, MiningGate,
// Journal and PnL are optional.
type AttemptOptions struct {
	Board        BoardReader
	FastMode     bool
	Ready        ReadinessFunc
	Stream       StreamTracker
	Helper       StreamPreparer
	Resolver     *Resolver
	Planner      Planner
	MiningGate   MiningGate
	Instructions *InstructionBuilder
	Queue        *QueueBuilder
	Executor     *Executor
	Latency      LatencyRecorder
	Journal      LatencyJournal
	PnL          PriceRecorder
	Slots        SlotSource
	MinEVRatio   *float64
	Logger       *slog.Logger
}

// Outcome describes one attempt.
type Outcome struct {
	RoundID    uint64
	Placed     bool
	Planned    int
	Completed  int
	Source     Source
	Skip       string
	StartedAt  time.Time
	FinishedAt time.Time
	FinishSlot uint64
	Summary    Summary
}

// Attempt runs one placement attempt: checkpoint gate, context, plan,
// queue, execute, record latency.
type Attempt struct {
	opts   AttemptOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewAttempt creates an Attempt.
func NewAttempt(opts AttemptOptions) *Attempt {
	return &Attempt{
		opts:   opts,
		logger: logging.Component(opts.Logger, "attempt"),
		now:    time.Now,
	}
}

type planResult struct {
	decisions []domain.PlacementDecision
	price     *domain.PriceQuote
	source    Source
	bestEV    *float64
	prep      time.Duration
}

// Execute attempts placements for roundID ending at endSlot. observed is
// the board the scheduler acted on, if any.
func (a *Attempt) Execute(ctx context.Context, roundID, endSlot uint64, observed *domain.Board) Outcome {
	start := a.now()
	out := Outcome{RoundID: roundID, StartedAt: start}
	skip := func(reason string) Outcome {
		out.Skip = reason
		return out
	}
	a.logger.Info("placement window triggered", "round", roundID)

	if observed != nil && observed.RoundID != roundID {
		a.logger.Debug("round changed before placement", "expected", roundID, "observed", observed.RoundID)
		return skip(SkipRoundChanged)
	}
	if !a.opts.FastMode && a.opts.Board != nil {
		board, _, err := a.opts.Board.GetBoard(ctx)
		if err != nil {
			a.logger.Debug("unable to revalidate board", "round", roundID, "error", err)
			return skip(SkipRoundChanged)
		}
		if board.RoundID != roundID {
			a.logger.Debug("round changed before placement", "expected", roundID, "observed", board.RoundID)
			return skip(SkipRoundChanged)
		}
	}

	if a.opts.Ready != nil {
		checkStart := a.now()
		if err := a.opts.Ready(ctx, roundID); err != nil {
			a.logger.Warn("skipping placement, checkpoint not ready", "round", roundID, "error", err)
			return skip(SkipCheckpoint)
		}
		if took := a.now().Sub(checkStart); took > 100*time.Millisecond {
			a.logger.Warn("checkpoint ensure slow", "round", roundID, "took", took)
		}
	}

	var readiness stream.Readiness
	if a.opts.Helper != nil {
		readiness = a.opts.Helper.Prepare(ctx, roundID)
		if readiness.Healthy && !readiness.Fresh {
			a.logger.Warn("unable to obtain fresh stream snapshot", "round", roundID)
			return skip(SkipStreamNotFresh)
		}
	}

	p, ok := a.plan(ctx, roundID, start, readiness)
	if !ok {
		return skip(SkipNoContext)
	}
	out.Source = p.source
	observability.RecordAttemptPhase("prepare", p.prep.Seconds())

	if a.opts.MiningGate != nil {
		res := a.opts.MiningGate.Evaluate(ctx, roundID)
		if res.Decision == strategy.Skip {
			a.logger.Info("skipping round, mining cost unfavorable",
				"round", roundID, "ev_percent", res.EVPercent, "avg_ev_percent", res.AverageEVPercent)
			return skip(SkipMiningCost)
		}
	}

	if len(p.decisions) == 0 {
		args := []any{"round", roundID, "prep", p.prep}
		if p.bestEV != nil {
			args = append(args, "best_ev", *p.bestEV)
		}
		a.logger.Info("skipped, no profitable placements", args...)
		return skip(SkipNoDecisions)
	}
	out.Planned = len(p.decisions)
	a.logger.Info("selected placements",
		"round", roundID,
		"count", len(p.decisions),
		"top_ev", p.decisions[0].EVRatio,
		"source", p.source,
		"prep", p.prep)

	prepared := a.opts.Instructions.Prepare(ctx, roundID, p.decisions)
	if len(prepared) == 0 {
		a.logger.Warn("unable to prepare placement instructions", "round", roundID)
		return skip(SkipPrepareFailed)
	}

	snap := a.opts.Latency.Snapshot()
	guard := ExecGuardMs(snap)
	var refreshMs float64
	if readiness.Healthy && a.opts.Stream != nil {
		refreshMs = float64(a.opts.Stream.LastRefreshDuration()) / float64(time.Millisecond)
	}
	safety := SafetyMs(snap, refreshMs)
	a.logger.Debug("placement timing", "round", roundID, "guard_ms", guard, "safety_ms", safety, "refresh_ms", refreshMs)

	queue := a.opts.Queue.Build(ctx, QueueInput{
		RoundID:       roundID,
		Prepared:      prepared,
		StreamHealthy: readiness.Healthy,
		GuardMs:       guard,
		SafetyMs:      safety,
		Build: func(ctx context.Context, d domain.PlacementDecision) ([]solana.Instruction, error) {
			return a.opts.Instructions.Build(ctx, roundID, d)
		},
		Budget: SlotBudget(a.opts.Slots, endSlot),
	})
	if len(queue) == 0 {
		return skip(SkipWindowClosed)
	}

	execStart := a.now()
	summary := a.opts.Executor.Execute(ctx, roundID, queue)
	execTook := a.now().Sub(execStart)
	observability.RecordAttemptPhase("execute", execTook.Seconds())
	out.Summary = summary
	out.Completed = summary.Completed

	if summary.Completed == 0 {
		return skip(SkipNoneCompleted)
	}

	out.Placed = true
	out.FinishedAt = a.now()
	out.FinishSlot = a.opts.Slots.Slot(ctx)
	remaining := int64(endSlot) - int64(out.FinishSlot)
	a.logger.Info("placements completed",
		"round", roundID,
		"completed", summary.Completed,
		"execution", execTook,
		"total", out.FinishedAt.Sub(start),
		"remaining_slots", remaining,
		"remaining_ms", remaining*ore.SlotDurationMs)

	a.recordLatency(roundID, summary.Completed, p.prep, execTook)
	return out
}

func (a *Attempt) plan(ctx context.Context, roundID uint64, start time.Time, readiness stream.Readiness) (planResult, bool) {
	if readiness.Usable() && a.opts.Stream != nil {
		quote, err := a.opts.Resolver.Price(roundID)
		if err != nil {
			return planResult{}, false
		}
		decisions := a.opts.Stream.AllDecisions()
		if sc, ok := a.opts.Stream.Context(); ok && sc.Miner != nil {
			decisions = Revalidate(a.opts.Planner, decisions, RevalidateInput{
				Round:      a.opts.Stream.Round(),
				Miner:      sc.Miner,
				Price:      quote,
				MinEVRatio: a.opts.MinEVRatio,
			}, a.logger)
		}
		a.recordPrice(roundID, quote)
		a.logger.Info("using stream data",
			"round", roundID,
			"age", readiness.Stats.CacheAge,
			"updates", readiness.Stats.TotalUpdates,
			"decisions", len(decisions))
		return planResult{decisions: decisions, price: quote, source: SourceStream, prep: a.now().Sub(start)}, true
	}

	res, err := a.opts.Resolver.Resolve(ctx, roundID, start)
	if err != nil {
		a.logger.Warn("failed to build placement context", "round", roundID, "error", err)
		return planResult{}, false
	}
	a.recordPrice(roundID, res.Price)

	planStart := a.now()
	pl := a.opts.Planner.Plan(strategy.PlanInput{
		Round:           res.Round,
		Miner:           res.Miner,
		Price:           res.Price,
		BalanceLamports: res.BalanceLamports,
	})
	a.logger.Debug("planned", "round", roundID, "took", a.now().Sub(planStart), "decisions", len(pl.Decisions))
	if pl.BestEVRatio != nil {
		observability.UpdatePlannerBestEV(*pl.BestEVRatio)
	}
	return planResult{
		decisions: pl.Decisions,
		price:     res.Price,
		source:    res.Source,
		bestEV:    pl.BestEVRatio,
		prep:      res.Elapsed,
	}, true
}

func (a *Attempt) recordPrice(roundID uint64, q *domain.PriceQuote) {
	if a.opts.PnL != nil {
		a.opts.PnL.SetPriceQuote(roundID, q)
	}
}

func (a *Attempt) recordLatency(roundID uint64, placements int, prep, exec time.Duration) {
	prepMs := float64(prep) / float64(time.Millisecond)
	execMs := float64(exec) / float64(time.Millisecond)
	a.opts.Latency.Record(placements, prepMs, execMs)

	snap := a.opts.Latency.Snapshot()
	observability.UpdateLatencyEstimate("prep", "avg", snap.PrepMs)
	observability.UpdateLatencyEstimate("exec", "avg", snap.ExecPerPlacementMs)
	if snap.PrepP95Ms != nil {
		observability.UpdateLatencyEstimate("prep", "p95", *snap.PrepP95Ms)
	}
	if snap.ExecP95Ms != nil {
		observability.UpdateLatencyEstimate("exec", "p95", *snap.ExecP95Ms)
	}

	if a.opts.Journal != nil {
		a.opts.Journal.Enqueue(&domain.LatencyRecord{
			RoundID:    roundID,
			Placements: placements,
			PrepMs:     prepMs,
			ExecMs:     execMs,
			RecordedAt: a.now().UnixMilli(),
		})
	}
}
