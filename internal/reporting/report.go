// Package reporting renders round PnL reports.
package reporting

import (
	"time"

	"ore-agent/internal/metrics"
)

// Report is the PnL report over recent rounds.
type Report struct {
	GeneratedAt time.Time
	Limit       int

	Summary *metrics.Summary

	// Rounds sorted by round_id DESC.
	Rounds []RoundRow

	// Latency is nil when no latency store is configured.
	Latency *LatencySection
}

// RoundRow is one evaluated round.
type RoundRow struct {
	RoundID         uint64
	Outcome         string
	Squares         int
	StakeLamports   uint64
	SolDelta        int64
	OreAtoms        int64
	PnLLamports     int64
	RealPnLLamports int64
	CumulativePnL   int64 // running real PnL, oldest round first
	EvaluatedAt     int64 // unix ms
}

// LatencySection summarizes recorded attempt latencies.
type LatencySection struct {
	Samples        int
	PrepMeanMs     float64
	PrepP95Ms      float64
	ExecPerPlaceMs float64
	MeanPlacements float64
	LastRecordedAt int64 // unix ms
}
