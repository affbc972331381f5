package placement

import (
	"context"
	"math"

	"ore-agent/internal/domain"
	"ore-agent/internal/ore"
)

// Guard and safety bounds, in milliseconds.
const (
	defaultExecGuardMs = 120.0
	minExecGuardMs     = 30.0
	maxExecGuardMs     = 200.0

	defaultSafetyExecMs = 60.0
	defaultSafetyPrepMs = 80.0
	fastRefreshMs       = 60.0
	fastBaseSafetyMs    = 200.0
	maxVariancePenalty  = 30.0
	maxRefreshPenalty   = 20.0
	fastSafetyCapMs     = 230.0
	slowSafetyCapMs     = 450.0
)

// Budget is the time left before the round window closes.
type Budget struct {
	RemainingSlots  int64
	RemainingTimeMs float64
}

// BudgetFunc reports the current budget, or false once the window closed.
type BudgetFunc func(ctx context.Context) (Budget, bool)

// SlotSource reports the current slot without blocking indefinitely.
type SlotSource interface {
	Slot(ctx context.Context) uint64
}

// SlotBudget derives a BudgetFunc from the current slot and the round end.
func SlotBudget(slots SlotSource, endSlot uint64) BudgetFunc {
	return func(ctx context.Context) (Budget, bool) {
		current := slots.Slot(ctx)
		remaining := int64(endSlot) - int64(current)
		if remaining <= 0 {
			return Budget{}, false
		}
		return Budget{
			RemainingSlots:  remaining,
			RemainingTimeMs: float64(remaining) * ore.SlotDurationMs,
		}, true
	}
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func orDefault(v float64, def float64) float64 {
	if positive(v) {
		return v
	}
	return def
}

func p95Or(p *float64, def float64) float64 {
	if p != nil && positive(*p) {
		return *p
	}
	return def
}

// ExecGuardMs is the per-placement execution allowance: p95, else the
// average, else a fixed default, clamped to [30, 200].
func ExecGuardMs(s domain.LatencySnapshot) float64 {
	avg := orDefault(s.ExecPerPlacementMs, defaultExecGuardMs)
	guard := p95Or(s.ExecP95Ms, avg)
	return math.Min(math.Max(guard, minExecGuardMs), maxExecGuardMs)
}

// SafetyMs is the slot-aligned margin kept before the window closes. A
// fast last refresh shortens it so one remaining slot can still be used.
func SafetyMs(s domain.LatencySnapshot, lastRefreshMs float64) float64 {
	execAvg := orDefault(s.ExecPerPlacementMs, defaultSafetyExecMs)
	execP95 := p95Or(s.ExecP95Ms, execAvg)
	prepAvg := orDefault(s.PrepMs, defaultSafetyPrepMs)
	prepP95 := p95Or(s.PrepP95Ms, prepAvg)

	fast := lastRefreshMs < fastRefreshMs
	base := float64(ore.SlotDurationMs)
	if fast {
		base = fastBaseSafetyMs
	}
	variance := math.Min(math.Max(math.Max(execP95-execAvg, prepP95-prepAvg), 0), maxVariancePenalty)
	penalty := 0.0
	if !fast {
		penalty = math.Min(math.Max(0, lastRefreshMs-fastRefreshMs), maxRefreshPenalty)
	}

	limit := slowSafetyCapMs
	if fast {
		limit = fastSafetyCapMs
	}
	return math.Min(base+variance+penalty, limit)
}
