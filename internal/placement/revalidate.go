package placement

import (
	"log/slog"
	"math"
	"sort"

	"ore-agent/internal/domain"
	"ore-agent/internal/strategy"
)

const evDeltaLogThreshold = 0.002

// Recalculator recomputes the EV of a single stake.
type Recalculator interface {
	RecalculateEV(in strategy.RecalculateInput) (ev float64, others uint64, ok bool)
}

// RevalidateInput is the fresh state decisions are re-scored against.
type RevalidateInput struct {
	Round                    *domain.Round
	Miner                    *domain.Miner
	Price                    *domain.PriceQuote
	ExecutedExposureLamports uint64
	MinEVRatio               *float64
}

// Revalidate re-scores decisions against fresh state, drops those at or
// below the EV floor and re-sorts the rest by EV descending. Decisions that
// cannot be recomputed keep their previous score.
func Revalidate(calc Recalculator, decisions []domain.PlacementDecision, in RevalidateInput, logger *slog.Logger) []domain.PlacementDecision {
	if len(decisions) == 0 {
		return nil
	}
	minEV := math.Inf(-1)
	if in.MinEVRatio != nil {
		minEV = *in.MinEVRatio
	}

	out := make([]domain.PlacementDecision, 0, len(decisions))
	for _, d := range decisions {
		ev, others, ok := calc.RecalculateEV(strategy.RecalculateInput{
			Square:                   d.Square,
			StakeLamports:            d.AmountLamports,
			Round:                    in.Round,
			Miner:                    in.Miner,
			Price:                    in.Price,
			ExecutedExposureLamports: in.ExecutedExposureLamports,
		})
		if ok {
			if delta := ev - d.EVRatio; math.Abs(delta) > evDeltaLogThreshold {
				logger.Debug("revalidated square", "square", d.Square+1, "ev_before", d.EVRatio, "ev_after", ev)
			}
			d.EVRatio = ev
			d.OthersStakeLamports = others
		}
		if d.EVRatio <= minEV {
			logger.Debug("dropping square after revalidation", "square", d.Square+1, "ev", d.EVRatio)
			continue
		}
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].EVRatio > out[j].EVRatio })
	return out
}
