// Package strategy decides where and how much to stake each round.
package strategy

import (
	"log/slog"
	"math"
	"sort"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
)

// Game constants.
const (
	ProbabilityOfWin             = 1.0 / domain.SquareCount
	SolPayoutFeeFactor           = 0.9 // 10% program fee
	MotherlodeTriggerProbability = 1.0 / 625
	evDenominator                = 1 - ProbabilityOfWin*SolPayoutFeeFactor

	lamportsPerSol = 1e9
	oreAtomsPerOre = 1e9
	minDecayFactor = 0.2
	// epsilon is the float64 machine epsilon, the baseline stake used when
	// min_stake is zero.
	epsilon = 2.220446049250313e-16
)

// PlannerConfig tunes EV planning. Amounts are lamports.
type PlannerConfig struct {
	BaseStakePercent    float64
	MinEVRatio          *float64 // nil disables the floor
	CapNormalLamports   uint64
	CapHighLamports     uint64
	MaxPlacements       int
	MaxExposureLamports *uint64 // nil = unlimited
	BufferLamports      uint64
	MinStakeLamports    uint64
	ScanSquareCount     int
	IncludeOreInEV      bool
	StakeScalingFactor  float64
	VolumeDecayPercent  float64
}

// PlanInput is the planner's view of one round.
type PlanInput struct {
	Round           *domain.Round
	Miner           *domain.Miner
	Price           *domain.PriceQuote
	BalanceLamports uint64
}

// Plan is the ranked set of accepted decisions.
type Plan struct {
	Decisions []domain.PlacementDecision
	// BestEVRatio is the first decision's EV, or the best finite baseline EV
	// when nothing was accepted. Nil when no finite EV exists.
	BestEVRatio *float64
	// ExposureLamports is the sum of planned stakes.
	ExposureLamports uint64
}

// Planner computes placement decisions. It performs no I/O.
type Planner struct {
	cfg    PlannerConfig
	logger *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(cfg PlannerConfig, logger *slog.Logger) *Planner {
	return &Planner{cfg: cfg, logger: logging.Component(logger, "ev-planner")}
}

// Config returns the planner configuration.
func (p *Planner) Config() PlannerConfig {
	return p.cfg
}

type candidate struct {
	index        int
	othersLamps  uint64
	othersSol    float64
	baselineEV   float64
	maxProfitSol float64
}

// evParams are the inputs to the EV ratio, all in SOL.
type evParams struct {
	othersSol   float64
	potSol      float64
	exposureSol float64
	stakeSol    float64
	oreValueSol float64
}

// evRatio = P_win*(fee*(pot+exposure+stake)+oreValue) / (others+stake).
// A non-positive denominator yields +Inf.
func evRatio(p evParams) float64 {
	den := p.othersSol + p.stakeSol
	if den <= 0 {
		return math.Inf(1)
	}
	num := ProbabilityOfWin * (SolPayoutFeeFactor*(p.potSol+p.exposureSol+p.stakeSol) + p.oreValueSol)
	return num / den
}

// maxProfitableStake solves evRatio(stake) = 1 for stake.
func maxProfitableStake(p evParams) float64 {
	num := ProbabilityOfWin*(SolPayoutFeeFactor*(p.potSol+p.exposureSol)+p.oreValueSol) - p.othersSol
	if num <= 0 {
		return 0
	}
	return num / evDenominator
}

func othersStake(round *domain.Round, miner *domain.Miner, square int) uint64 {
	total := round.Deployed[square]
	var mine uint64
	if miner != nil {
		mine = miner.Deployed[square]
	}
	if total > mine {
		return total - mine
	}
	return 0
}

func potFromOthers(round *domain.Round, miner *domain.Miner) uint64 {
	var pot uint64
	for i := range round.Deployed {
		pot += othersStake(round, miner, i)
	}
	return pot
}

func exposureSol(miner *domain.Miner) float64 {
	if miner == nil {
		return 0
	}
	return float64(miner.ExposureLamports()) / lamportsPerSol
}

// oreValueSol is the expected ORE reward valued in SOL, including the
// motherlode trigger bonus.
func (p *Planner) oreValueSol(round *domain.Round, price *domain.PriceQuote) float64 {
	if !p.cfg.IncludeOreInEV || price == nil || price.NetSolPerOre <= 0 {
		return 0
	}
	motherlodeOre := math.Max(float64(round.Motherlode)/oreAtomsPerOre, 0)
	return price.NetSolPerOre * (1 + MotherlodeTriggerProbability*motherlodeOre)
}

func (p *Planner) minEV() float64 {
	if p.cfg.MinEVRatio == nil {
		return math.Inf(-1)
	}
	return *p.cfg.MinEVRatio
}

// lessCandidate ranks by baseline EV descending. A non-finite EV ranks ahead
// of any finite one; equal EVs prefer the larger break-even stake.
func lessCandidate(a, b candidate) bool {
	aFinite := !math.IsInf(a.baselineEV, 0) && !math.IsNaN(a.baselineEV)
	bFinite := !math.IsInf(b.baselineEV, 0) && !math.IsNaN(b.baselineEV)
	switch {
	case !aFinite && bFinite:
		return true
	case aFinite && !bFinite:
		return false
	case a.baselineEV != b.baselineEV:
		return a.baselineEV > b.baselineEV
	default:
		return a.maxProfitSol > b.maxProfitSol
	}
}

// Plan ranks squares and sizes stakes for the given round snapshot.
func (p *Planner) Plan(in PlanInput) Plan {
	var out Plan
	if in.Round == nil {
		return out
	}

	scanCount := min(p.cfg.ScanSquareCount, domain.SquareCount)
	if scanCount <= 0 {
		return out
	}

	potSol := float64(potFromOthers(in.Round, in.Miner)) / lamportsPerSol
	existingSol := exposureSol(in.Miner)

	spendableSol := math.Max(0, float64(in.BalanceLamports)/lamportsPerSol-float64(p.cfg.BufferLamports)/lamportsPerSol)
	if spendableSol <= 0 {
		p.logger.Debug("no spendable balance after reserve buffer")
		return out
	}

	maxPlacements := p.cfg.MaxPlacements
	if maxPlacements > domain.SquareCount {
		maxPlacements = domain.SquareCount
	}
	if maxPlacements < 1 {
		maxPlacements = 1
	}

	minStakeSol := float64(p.cfg.MinStakeLamports) / lamportsPerSol
	capNormalSol := float64(p.cfg.CapNormalLamports) / lamportsPerSol
	capHighSol := float64(p.cfg.CapHighLamports) / lamportsPerSol
	maxExposureSol := math.Inf(1)
	if p.cfg.MaxExposureLamports != nil {
		maxExposureSol = float64(*p.cfg.MaxExposureLamports) / lamportsPerSol
	}
	minEV := p.minEV()
	oreValue := p.oreValueSol(in.Round, in.Price)

	candidates := make([]candidate, 0, scanCount)
	bestOthersSol := 0.0
	bestBaseline := math.Inf(-1)

	for i := 0; i < scanCount; i++ {
		others := othersStake(in.Round, in.Miner, i)
		c := candidate{
			index:       i,
			othersLamps: others,
			othersSol:   float64(others) / lamportsPerSol,
		}
		if c.othersSol > bestOthersSol {
			bestOthersSol = c.othersSol
		}
		params := evParams{othersSol: c.othersSol, potSol: potSol, exposureSol: existingSol, oreValueSol: oreValue}
		c.maxProfitSol = maxProfitableStake(params)
		params.stakeSol = math.Max(minStakeSol, epsilon)
		c.baselineEV = evRatio(params)

		if !math.IsInf(c.baselineEV, 0) && c.baselineEV > bestBaseline {
			bestBaseline = c.baselineEV
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return lessCandidate(candidates[i], candidates[j])
	})

	baseStakeSol := math.Max(bestOthersSol*p.cfg.BaseStakePercent, minStakeSol)
	availableSol := math.Max(0, math.Min(maxExposureSol, spendableSol))
	if availableSol <= 0 {
		p.logger.Debug("exposure cap reached before planning")
		return out
	}

	viable := 0
	for _, c := range candidates {
		if !math.IsInf(c.baselineEV, 0) && c.baselineEV > minEV {
			viable++
		}
	}
	planned := viable
	if planned > maxPlacements {
		planned = maxPlacements
	}
	decay := math.Max(minDecayFactor, 1-math.Max(0, float64(planned-1))*(p.cfg.VolumeDecayPercent/100))
	if decay < 1 {
		p.logger.Debug("volume decay active", "planned", planned, "factor", decay)
	}

	plannedSol := 0.0
	for _, c := range candidates {
		if len(out.Decisions) >= maxPlacements {
			break
		}
		remainingSol := availableSol - plannedSol
		if remainingSol <= 0 {
			break
		}

		params := evParams{
			othersSol:   c.othersSol,
			potSol:      potSol,
			exposureSol: existingSol + plannedSol,
			stakeSol:    baseStakeSol,
			oreValueSol: oreValue,
		}

		sqrtEdge := math.Sqrt(math.Max(0, evRatio(params)-1))
		capSol := capNormalSol + math.Max(0, capHighSol-capNormalSol)*math.Min(1, sqrtEdge)
		limitSol := math.Min(remainingSol, math.Min(spendableSol-plannedSol, capSol))

		stakeSol := math.Min(baseStakeSol*(1+sqrtEdge*p.cfg.StakeScalingFactor), limitSol)
		stakeSol = math.Min(stakeSol*decay, limitSol)
		if stakeSol < minStakeSol {
			stakeSol = math.Min(minStakeSol, limitSol)
			if stakeSol < minStakeSol {
				continue
			}
		}

		params.stakeSol = stakeSol
		ev := evRatio(params)

		if ev <= minEV {
			// Shrink to the largest stake that still breaks even.
			adjusted := math.Min(limitSol, maxProfitableStake(params)) * decay
			stakeSol = math.Min(math.Max(adjusted, minStakeSol), limitSol)
			if stakeSol < minStakeSol {
				continue
			}
			params.stakeSol = stakeSol
			ev = evRatio(params)
			if ev <= minEV {
				continue
			}
		}

		amount := uint64(math.Floor(stakeSol * lamportsPerSol))
		if amount < p.cfg.MinStakeLamports {
			amount = p.cfg.MinStakeLamports
		}
		if amount == 0 {
			continue
		}

		out.Decisions = append(out.Decisions, domain.PlacementDecision{
			Square:              c.index,
			AmountLamports:      amount,
			EVRatio:             ev,
			OthersStakeLamports: c.othersLamps,
		})
		out.ExposureLamports += amount
		plannedSol += stakeSol
	}

	switch {
	case len(out.Decisions) > 0:
		best := out.Decisions[0].EVRatio
		out.BestEVRatio = &best
		p.logger.Debug("planned placements", "count", len(out.Decisions), "exposureLamports", out.ExposureLamports)
	case !math.IsInf(bestBaseline, 0):
		out.BestEVRatio = &bestBaseline
		p.logger.Debug("no profitable placements", "bestEV", bestBaseline)
	default:
		p.logger.Debug("no profitable placements")
	}
	return out
}

// RecalculateInput is a single stake re-evaluated against a fresh snapshot.
type RecalculateInput struct {
	Square                   int
	StakeLamports            uint64
	Round                    *domain.Round
	Miner                    *domain.Miner
	Price                    *domain.PriceQuote
	ExecutedExposureLamports uint64
}

// RecalculateEV recomputes the EV of one stake with the planning formula.
// ok is false for an out-of-range square, a zero stake or a missing round.
func (p *Planner) RecalculateEV(in RecalculateInput) (ev float64, others uint64, ok bool) {
	if in.Round == nil || in.Square < 0 || in.Square >= domain.SquareCount || in.StakeLamports == 0 {
		return 0, 0, false
	}

	others = othersStake(in.Round, in.Miner, in.Square)
	ev = evRatio(evParams{
		othersSol:   float64(others) / lamportsPerSol,
		potSol:      float64(potFromOthers(in.Round, in.Miner)) / lamportsPerSol,
		exposureSol: exposureSol(in.Miner) + float64(in.ExecutedExposureLamports)/lamportsPerSol,
		stakeSol:    float64(in.StakeLamports) / lamportsPerSol,
		oreValueSol: p.oreValueSol(in.Round, in.Price),
	})
	return ev, others, true
}
