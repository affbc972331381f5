package placement

import (
	"context"
	"log/slog"
	"math"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
)

// DecisionStream hands out live decisions, highest EV first.
type DecisionStream interface {
	ConsumeDecision() (domain.PlacementDecision, bool)
}

// QueueConfig tunes the per-placement queueing allowance.
type QueueConfig struct {
	OverheadFactorMs float64
	OverheadMaxMs    float64
	// MinEVRatio rejects stream substitutes at or below it. Nil accepts any.
	MinEVRatio *float64
}

// Queued is a placement accepted into the execution queue.
type Queued struct {
	Prepared
	Budget Budget
}

// BuildFunc rebuilds instructions for a substituted decision.
type BuildFunc func(ctx context.Context, d domain.PlacementDecision) ([]solana.Instruction, error)

// QueueInput is one queue build request.
type QueueInput struct {
	RoundID       uint64
	Prepared      []Prepared
	StreamHealthy bool
	GuardMs       float64
	SafetyMs      float64
	Build         BuildFunc
	Budget        BudgetFunc
}

// QueueBuilder turns ranked placements into an execution queue that fits
// the remaining window.
type QueueBuilder struct {
	cfg    QueueConfig
	stream DecisionStream
	logger *slog.Logger
}

// NewQueueBuilder creates a QueueBuilder. stream may be nil.
func NewQueueBuilder(cfg QueueConfig, stream DecisionStream, logger *slog.Logger) *QueueBuilder {
	return &QueueBuilder{cfg: cfg, stream: stream, logger: logging.Component(logger, "queue")}
}

// Build queues placements in rank order. A square is never queued twice,
// and queueing stops entirely once the budget no longer covers the
// required time.
func (q *QueueBuilder) Build(ctx context.Context, in QueueInput) []Queued {
	minEV := math.Inf(-1)
	if q.cfg.MinEVRatio != nil {
		minEV = *q.cfg.MinEVRatio
	}

	queue := make([]Queued, 0, len(in.Prepared))
	placed := make(map[int]struct{}, len(in.Prepared))

	for _, p := range in.Prepared {
		current := p

		if in.StreamHealthy && q.stream != nil {
			d, ok := q.stream.ConsumeDecision()
			for ok {
				if _, dup := placed[d.Square]; !dup {
					break
				}
				q.logger.Debug("skipping duplicate stream square", "square", d.Square+1)
				d, ok = q.stream.ConsumeDecision()
			}
			if ok && d.EVRatio > minEV {
				ixs, err := in.Build(ctx, d)
				if err != nil {
					q.logger.Error("failed to build stream decision", "square", d.Square+1, "error", err)
					break
				}
				current = Prepared{Decision: d, Instructions: ixs}
			}
		}

		if _, dup := placed[current.Decision.Square]; dup {
			q.logger.Debug("square already queued", "square", current.Decision.Square+1)
			continue
		}

		overhead := math.Min(q.cfg.OverheadMaxMs, float64(len(queue)+1)*q.cfg.OverheadFactorMs)
		required := in.GuardMs + overhead + in.SafetyMs
		budget, ok := in.Budget(ctx)
		if !ok || budget.RemainingTimeMs <= required {
			q.logger.Warn("window closed, cannot queue placement",
				"round", in.RoundID,
				"remaining_slots", budget.RemainingSlots,
				"remaining_ms", budget.RemainingTimeMs,
				"required_ms", required,
				"required_slots", required/ore.SlotDurationMs,
				"queued", len(queue))
			observability.RecordQueueTruncated()
			break
		}

		q.logger.Info("queueing placement",
			"round", in.RoundID,
			"square", current.Decision.Square+1,
			"amount_lamports", current.Decision.AmountLamports,
			"ev", current.Decision.EVRatio,
			"remaining_slots", budget.RemainingSlots)
		queue = append(queue, Queued{Prepared: current, Budget: budget})
		placed[current.Decision.Square] = struct{}{}
	}
	return queue
}
