package reporting

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"ore-agent/internal/domain"
	"ore-agent/internal/metrics"
	"ore-agent/internal/storage"
)

// ErrNoData is returned when there are no outcomes to report.
var ErrNoData = errors.New("no round outcomes to report")

// Generator produces reports from stored data.
type Generator struct {
	outcomeStore storage.OutcomeStore
	latencyStore storage.LatencyStore
	now          func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator. latencyStore may be nil.
func NewGenerator(outcomeStore storage.OutcomeStore, latencyStore storage.LatencyStore) *Generator {
	return &Generator{
		outcomeStore: outcomeStore,
		latencyStore: latencyStore,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate builds a report over the latest limit rounds.
func (g *Generator) Generate(ctx context.Context, limit int) (*Report, error) {
	outcomes, err := g.outcomeStore.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, ErrNoData
	}

	report := &Report{
		GeneratedAt: g.now(),
		Limit:       limit,
		Summary:     metrics.Summarize(outcomes),
		Rounds:      buildRoundRows(outcomes),
	}

	if g.latencyStore != nil {
		samples, err := g.latencyStore.Recent(ctx, limit)
		if err != nil {
			return nil, err
		}
		report.Latency = summarizeLatency(samples)
	}
	return report, nil
}

// buildRoundRows returns rows sorted by round_id DESC with the cumulative
// PnL accumulated from the oldest round.
func buildRoundRows(outcomes []*domain.RoundOutcome) []RoundRow {
	sorted := make([]*domain.RoundOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RoundID < sorted[j].RoundID })

	rows := make([]RoundRow, len(sorted))
	var cumulative int64
	for i, o := range sorted {
		cumulative += o.RealPnLLamports
		rows[len(sorted)-1-i] = RoundRow{
			RoundID:         o.RoundID,
			Outcome:         o.Outcome,
			Squares:         len(o.Squares),
			StakeLamports:   o.StakeLamports,
			SolDelta:        o.RewardsSolDelta,
			OreAtoms:        o.RewardsOreDelta,
			PnLLamports:     o.PnLLamports,
			RealPnLLamports: o.RealPnLLamports,
			CumulativePnL:   cumulative,
			EvaluatedAt:     o.EvaluatedAt,
		}
	}
	return rows
}

func summarizeLatency(samples []*domain.LatencyRecord) *LatencySection {
	sec := &LatencySection{Samples: len(samples)}
	if len(samples) == 0 {
		return sec
	}

	prep := make([]float64, 0, len(samples))
	var execSum, placeSum float64
	var execN int
	for _, s := range samples {
		prep = append(prep, s.PrepMs)
		placeSum += float64(s.Placements)
		if s.Placements > 0 {
			execSum += s.ExecMs / float64(s.Placements)
			execN++
		}
		sec.LastRecordedAt = max(sec.LastRecordedAt, s.RecordedAt)
	}

	var prepSum float64
	for _, v := range prep {
		prepSum += v
	}
	sec.PrepMeanMs = prepSum / float64(len(prep))
	sec.MeanPlacements = placeSum / float64(len(samples))
	if execN > 0 {
		sec.ExecPerPlaceMs = execSum / float64(execN)
	}

	sort.Float64s(prep)
	idx := int(math.Ceil(0.95*float64(len(prep)))) - 1
	sec.PrepP95Ms = prep[max(idx, 0)]
	return sec
}
