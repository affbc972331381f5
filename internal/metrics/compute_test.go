package metrics

import (
	"math"
	"testing"

	"ore-agent/internal/domain"
)

func outcome(roundID uint64, pnl int64) *domain.RoundOutcome {
	o := &domain.RoundOutcome{
		RoundID:         roundID,
		StakeLamports:   100,
		PnLLamports:     pnl,
		RealPnLLamports: pnl,
		Outcome:         domain.OutcomeLoss,
	}
	if pnl > 0 {
		o.Outcome = domain.OutcomeWin
	}
	return o
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s.Rounds != 0 || s.WinRate != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
}

func TestSummarize_Counts(t *testing.T) {
	s := Summarize([]*domain.RoundOutcome{
		outcome(3, -100),
		outcome(1, 300),
		outcome(2, -100),
		outcome(4, 100),
	})

	if s.Rounds != 4 {
		t.Errorf("expected 4 rounds, got %d", s.Rounds)
	}
	if s.Wins != 2 || s.Losses != 2 {
		t.Errorf("expected 2/2, got %d/%d", s.Wins, s.Losses)
	}
	if s.WinRate != 0.5 {
		t.Errorf("expected win rate 0.5, got %f", s.WinRate)
	}
	if s.TotalStakeLamports != 400 {
		t.Errorf("expected stake 400, got %d", s.TotalStakeLamports)
	}
	if s.TotalRealPnLLamports != 200 {
		t.Errorf("expected pnl 200, got %d", s.TotalRealPnLLamports)
	}
	if s.FirstRoundID != 1 || s.LastRoundID != 4 {
		t.Errorf("expected rounds 1..4, got %d..%d", s.FirstRoundID, s.LastRoundID)
	}
	if s.PnLMin != -100 || s.PnLMax != 300 {
		t.Errorf("expected min/max -100/300, got %f/%f", s.PnLMin, s.PnLMax)
	}
}

func TestSummarize_DrawdownUsesRoundOrder(t *testing.T) {
	// Round order: +300, -100, -100, +100 → peak 300, trough 100.
	s := Summarize([]*domain.RoundOutcome{
		outcome(4, 100),
		outcome(2, -100),
		outcome(1, 300),
		outcome(3, -100),
	})

	if s.MaxDrawdown != 200 {
		t.Errorf("expected drawdown 200, got %f", s.MaxDrawdown)
	}
	if s.MaxConsecutiveLosses != 2 {
		t.Errorf("expected 2 consecutive losses, got %d", s.MaxConsecutiveLosses)
	}
}

func TestComputePercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}
	tests := []struct {
		p    float64
		want float64
	}{
		{0.0, 10},
		{0.10, 14},
		{0.50, 30},
		{0.90, 46},
		{1.0, 50},
	}
	for _, tt := range tests {
		if got := computePercentile(sorted, tt.p); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("p%.2f: expected %f, got %f", tt.p, tt.want, got)
		}
	}
	if got := computePercentile(nil, 0.5); got != 0 {
		t.Errorf("expected 0 for empty input, got %f", got)
	}
}

func TestComputeStddev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	mean := computeMean(values)
	if mean != 5 {
		t.Fatalf("expected mean 5, got %f", mean)
	}
	// Sample stddev: sqrt(32/7)
	want := math.Sqrt(32.0 / 7.0)
	if got := computeStddev(values, mean); math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %f, got %f", want, got)
	}
	if got := computeStddev([]float64{1}, 1); got != 0 {
		t.Errorf("expected 0 for single sample, got %f", got)
	}
}
