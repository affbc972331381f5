package metrics

import (
	"math"
	"sort"

	"ore-agent/internal/domain"
)

// Summary aggregates evaluated round outcomes. PnL figures are lamports.
type Summary struct {
	Rounds  int     `json:"rounds"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"win_rate"`

	TotalStakeLamports   uint64 `json:"total_stake_lamports"`
	TotalPnLLamports     int64  `json:"total_pnl_lamports"`
	TotalRealPnLLamports int64  `json:"total_real_pnl_lamports"`
	TotalOreAtoms        int64  `json:"total_ore_atoms"`

	PnLMean   float64 `json:"pnl_mean"`
	PnLMedian float64 `json:"pnl_median"`
	PnLP10    float64 `json:"pnl_p10"`
	PnLP90    float64 `json:"pnl_p90"`
	PnLMin    float64 `json:"pnl_min"`
	PnLMax    float64 `json:"pnl_max"`
	PnLStddev float64 `json:"pnl_stddev"`

	MaxDrawdown          float64 `json:"max_drawdown"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	FirstRoundID         uint64  `json:"first_round_id"`
	LastRoundID          uint64  `json:"last_round_id"`
}

// Summarize computes a Summary over outcomes using real PnL. Outcomes are
// ordered by RoundID before order-dependent metrics are computed.
func Summarize(outcomes []*domain.RoundOutcome) *Summary {
	n := len(outcomes)
	if n == 0 {
		return &Summary{}
	}

	sorted := make([]*domain.RoundOutcome, n)
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RoundID < sorted[j].RoundID })

	s := &Summary{
		Rounds:       n,
		FirstRoundID: sorted[0].RoundID,
		LastRoundID:  sorted[n-1].RoundID,
	}
	pnl := make([]float64, n)
	for i, o := range sorted {
		if o.Outcome == domain.OutcomeWin {
			s.Wins++
		} else {
			s.Losses++
		}
		s.TotalStakeLamports += o.StakeLamports
		s.TotalPnLLamports += o.PnLLamports
		s.TotalRealPnLLamports += o.RealPnLLamports
		s.TotalOreAtoms += o.RewardsOreDelta
		pnl[i] = float64(o.RealPnLLamports)
	}

	ordered := make([]float64, n)
	copy(ordered, pnl)
	sort.Float64s(ordered)

	s.WinRate = computeWinRate(s.Wins, n)
	s.PnLMean = computeMean(pnl)
	s.PnLStddev = computeStddev(pnl, s.PnLMean)
	s.PnLMedian = computePercentile(ordered, 0.50)
	s.PnLP10 = computePercentile(ordered, 0.10)
	s.PnLP90 = computePercentile(ordered, 0.90)
	s.PnLMin = ordered[0]
	s.PnLMax = ordered[n-1]
	s.MaxDrawdown = computeMaxDrawdown(pnl)
	s.MaxConsecutiveLosses = computeMaxConsecutiveLosses(sorted)
	return s
}

func computeWinRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}

func computeMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// computeStddev calculates sample standard deviation (n-1 denominator).
func computeStddev(values []float64, mean float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// computePercentile uses linear interpolation. sorted must be ascending.
func computePercentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	idx := p * float64(n-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// computeMaxDrawdown calculates worst peak-to-trough on cumulative PnL.
// Values must be in round order.
func computeMaxDrawdown(values []float64) float64 {
	cumulative := 0.0
	peak := 0.0
	maxDrawdown := 0.0

	for _, v := range values {
		cumulative += v
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// computeMaxConsecutiveLosses finds the longest run of LOSS rounds.
func computeMaxConsecutiveLosses(outcomes []*domain.RoundOutcome) int {
	maxStreak := 0
	current := 0
	for _, o := range outcomes {
		if o.Outcome != domain.OutcomeWin {
			current++
			maxStreak = max(maxStreak, current)
		} else {
			current = 0
		}
	}
	return maxStreak
}
