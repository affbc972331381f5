// Package latency tracks placement latency and turns it into slot lead times.
package latency

import (
	"math"
	"sort"
	"sync"

	"ore-agent/internal/domain"
)

// minValidExecMs discards per-placement execution samples below this floor;
// such values come from clock noise, not real round trips.
const minValidExecMs = 20

// Defaults applied when options are zero or nil.
const (
	DefaultSmoothing              = 0.2
	DefaultInitialPrepMs          = 400
	DefaultInitialExecMs          = 160
	DefaultMaxSamples             = 200
	DefaultOverheadPerPlacementMs = 10
	DefaultParallelismFactor      = 1.5
)

const (
	maxOverheadPerPlacementMs = 200
	maxParallelismFactor      = 5
)

// EstimatorOptions configures an Estimator.
type EstimatorOptions struct {
	SlotDurationMs            float64
	Smoothing                 float64
	InitialPrepMs             float64
	InitialExecPerPlacementMs float64
	MaxSamples                int
}

// EstimateInput parameterizes EstimateSlots. Nil OverheadPerPlacementMs and
// ParallelismFactor select the defaults.
type EstimateInput struct {
	ExpectedPlacements     int
	MinSlots               int
	MaxSlots               int
	SafetySlots            int
	OverheadPerPlacementMs *float64
	ParallelismFactor      *float64
}

// Estimator keeps exponentially smoothed averages and bounded sample windows
// of preparation time and per-placement execution time.
type Estimator struct {
	mu sync.RWMutex

	slotMs     float64
	smoothing  float64
	maxSamples int

	prepAvgMs   float64
	execAvgMs   float64
	prepSamples []float64
	execSamples []float64
	initialized bool
}

// NewEstimator creates an Estimator seeded with the initial averages.
func NewEstimator(opts EstimatorOptions) *Estimator {
	e := &Estimator{
		slotMs:     opts.SlotDurationMs,
		smoothing:  opts.Smoothing,
		maxSamples: opts.MaxSamples,
		prepAvgMs:  opts.InitialPrepMs,
		execAvgMs:  opts.InitialExecPerPlacementMs,
	}
	if e.slotMs <= 0 {
		e.slotMs = 400
	}
	if e.smoothing <= 0 || e.smoothing > 1 {
		e.smoothing = DefaultSmoothing
	}
	if e.maxSamples <= 0 {
		e.maxSamples = DefaultMaxSamples
	}
	if e.prepAvgMs <= 0 {
		e.prepAvgMs = DefaultInitialPrepMs
	}
	if e.execAvgMs <= 0 {
		e.execAvgMs = DefaultInitialExecMs
	}
	return e
}

// Record adds one attempt measurement. Preparation time is always sampled
// when positive; execution is sampled per placement and only above the
// validity floor. The first valid execution sample replaces the seeds.
func (e *Estimator) Record(placements int, prepMs, execMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(placements, prepMs, execMs)
}

func (e *Estimator) record(placements int, prepMs, execMs float64) {
	if valid(prepMs) {
		e.prepSamples = e.push(e.prepSamples, prepMs)
		e.prepAvgMs = e.mix(e.prepAvgMs, prepMs)
	}

	if placements <= 0 || !valid(execMs) {
		return
	}
	perPlacement := execMs / float64(placements)
	if perPlacement < minValidExecMs {
		return
	}

	e.execSamples = e.push(e.execSamples, perPlacement)
	e.execAvgMs = e.mix(e.execAvgMs, perPlacement)
	e.initialized = true
}

// RestoreFromHistory replays persisted records in order.
func (e *Estimator) RestoreFromHistory(records []*domain.LatencyRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		if r == nil {
			continue
		}
		e.record(r.Placements, r.PrepMs, r.ExecMs)
	}
}

// Snapshot returns the current averages and nearest-rank p95 of each window.
func (e *Estimator) Snapshot() domain.LatencySnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return domain.LatencySnapshot{
		PrepMs:             e.prepAvgMs,
		PrepP95Ms:          percentile(e.prepSamples, 0.95),
		ExecPerPlacementMs: e.execAvgMs,
		ExecP95Ms:          percentile(e.execSamples, 0.95),
		Initialized:        e.initialized,
	}
}

// EstimateSlots converts the expected placement count into a lead time in
// slots, clamped to [MinSlots, MaxSlots].
func (e *Estimator) EstimateSlots(in EstimateInput) int {
	e.mu.RLock()
	prep := guarded(e.prepAvgMs, e.prepSamples)
	execGuard := guarded(e.execAvgMs, e.execSamples)
	e.mu.RUnlock()

	placements := in.ExpectedPlacements
	if placements < 1 {
		placements = 1
	}

	overhead := float64(DefaultOverheadPerPlacementMs)
	if in.OverheadPerPlacementMs != nil && !math.IsNaN(*in.OverheadPerPlacementMs) && !math.IsInf(*in.OverheadPerPlacementMs, 0) {
		overhead = clamp(*in.OverheadPerPlacementMs, 0, maxOverheadPerPlacementMs)
	}
	parallelism := DefaultParallelismFactor
	if in.ParallelismFactor != nil && !math.IsNaN(*in.ParallelismFactor) && !math.IsInf(*in.ParallelismFactor, 0) {
		parallelism = clamp(*in.ParallelismFactor, 1, maxParallelismFactor)
	}

	execTotal := execGuard*parallelism + overhead*float64(placements-1)
	slots := int(math.Ceil((prep+execTotal)/e.slotMs)) + in.SafetySlots

	if slots > in.MaxSlots {
		slots = in.MaxSlots
	}
	if slots < in.MinSlots {
		slots = in.MinSlots
	}
	return slots
}

func (e *Estimator) mix(current, sample float64) float64 {
	if !e.initialized {
		return sample
	}
	return current*(1-e.smoothing) + sample*e.smoothing
}

func (e *Estimator) push(window []float64, v float64) []float64 {
	window = append(window, v)
	if over := len(window) - e.maxSamples; over > 0 {
		window = append(window[:0:0], window[over:]...)
	}
	return window
}

func valid(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// percentile returns the nearest-rank value at floor(p*(n-1)), nil when empty.
func percentile(values []float64, p float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Floor(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	v := sorted[idx]
	return &v
}

func guarded(avg float64, samples []float64) float64 {
	p := percentile(samples, 0.95)
	if p == nil {
		return avg
	}
	return math.Max(avg, *p)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
