package reporting

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage/memory"
)

var fixedTime = time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC)

func setupTestData(t *testing.T) (*memory.OutcomeStore, *memory.LatencyStore) {
	t.Helper()
	ctx := context.Background()

	outcomes := memory.NewOutcomeStore()
	rows := []*domain.RoundOutcome{
		{RoundID: 100, StakeLamports: 200_000_000, Squares: []int{1, 2}, RewardsSolDelta: 0, PnLLamports: -200_000_000, RealPnLLamports: -200_000_000, Outcome: domain.OutcomeLoss, EvaluatedAt: 1000},
		{RoundID: 101, StakeLamports: 200_000_000, Squares: []int{3, 4}, RewardsSolDelta: 500_000_000, RewardsOreDelta: 100_000_000_000, PnLLamports: 300_000_000, RealPnLLamports: 800_000_000, Outcome: domain.OutcomeWin, EvaluatedAt: 2000},
		{RoundID: 102, StakeLamports: 100_000_000, Squares: []int{5}, PnLLamports: -100_000_000, RealPnLLamports: -100_000_000, Outcome: domain.OutcomeLoss, EvaluatedAt: 3000},
	}
	for _, o := range rows {
		if err := outcomes.Insert(ctx, o); err != nil {
			t.Fatalf("Insert outcome failed: %v", err)
		}
	}

	latency := memory.NewLatencyStore()
	for i, prep := range []float64{100, 200, 300} {
		rec := &domain.LatencyRecord{RoundID: uint64(100 + i), Placements: 2, PrepMs: prep, ExecMs: 160, RecordedAt: int64(1000 * (i + 1))}
		if err := latency.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert latency failed: %v", err)
		}
	}
	return outcomes, latency
}

func TestGenerate(t *testing.T) {
	outcomes, latency := setupTestData(t)
	gen := NewGenerator(outcomes, latency).WithClock(func() time.Time { return fixedTime })

	report, err := gen.Generate(context.Background(), 10)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !report.GeneratedAt.Equal(fixedTime) {
		t.Errorf("expected fixed time, got %v", report.GeneratedAt)
	}
	if report.Summary.Rounds != 3 || report.Summary.Wins != 1 {
		t.Errorf("unexpected summary %+v", report.Summary)
	}
	if len(report.Rounds) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(report.Rounds))
	}
	// Newest first, cumulative accumulated from the oldest.
	if report.Rounds[0].RoundID != 102 {
		t.Errorf("expected newest round first, got %d", report.Rounds[0].RoundID)
	}
	if report.Rounds[2].CumulativePnL != -200_000_000 {
		t.Errorf("expected oldest cumulative -0.2 SOL, got %d", report.Rounds[2].CumulativePnL)
	}
	if report.Rounds[0].CumulativePnL != 500_000_000 {
		t.Errorf("expected final cumulative 0.5 SOL, got %d", report.Rounds[0].CumulativePnL)
	}

	if report.Latency == nil {
		t.Fatal("expected latency section")
	}
	if report.Latency.Samples != 3 {
		t.Errorf("expected 3 samples, got %d", report.Latency.Samples)
	}
	if report.Latency.PrepMeanMs != 200 {
		t.Errorf("expected prep mean 200, got %f", report.Latency.PrepMeanMs)
	}
	if report.Latency.PrepP95Ms != 300 {
		t.Errorf("expected prep p95 300, got %f", report.Latency.PrepP95Ms)
	}
	if report.Latency.ExecPerPlaceMs != 80 {
		t.Errorf("expected exec per placement 80, got %f", report.Latency.ExecPerPlaceMs)
	}
}

func TestGenerate_NoData(t *testing.T) {
	gen := NewGenerator(memory.NewOutcomeStore(), nil)

	_, err := gen.Generate(context.Background(), 10)
	if !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
}

func TestRenderMarkdown(t *testing.T) {
	outcomes, latency := setupTestData(t)
	report, err := NewGenerator(outcomes, latency).WithClock(func() time.Time { return fixedTime }).Generate(context.Background(), 10)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	md := RenderMarkdown(report)
	for _, want := range []string{
		"# Round PnL Report",
		"Generated: 2025-01-04T12:00:00Z",
		"| Win Rate | 33.3% |",
		"| Real PnL (SOL) | +0.5000 |",
		"| ORE Won | 1.0000 |",
		"| 101 | WIN | 2 | 0.2000 | +0.5000 | 1.0000 | +0.8000 | +0.6000 |",
		"## Attempt Latency",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestRenderCSV(t *testing.T) {
	outcomes, _ := setupTestData(t)
	report, err := NewGenerator(outcomes, nil).Generate(context.Background(), 10)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	csv := RenderCSV(report)
	lines := strings.Split(strings.TrimSpace(csv), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "round_id,outcome,") {
		t.Errorf("unexpected header %q", lines[0])
	}
	if lines[1] != "102,LOSS,1,100000000,0,0,-100000000,-100000000,500000000,3000" {
		t.Errorf("unexpected row %q", lines[1])
	}
}

func TestRenderTable(t *testing.T) {
	outcomes, _ := setupTestData(t)
	report, err := NewGenerator(outcomes, nil).Generate(context.Background(), 10)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var buf bytes.Buffer
	if err := RenderTable(&buf, report); err != nil {
		t.Fatalf("RenderTable failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"101", "WIN", "+0.8000", "Max Drawdown"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q\n%s", want, out)
		}
	}
}

func TestFormatSol(t *testing.T) {
	tests := []struct {
		lamports int64
		want     string
	}{
		{0, "0.0000"},
		{1_000_000_000, "1.0000"},
		{-250_000_000, "-0.2500"},
		{12_345, "0.0000"},
	}
	for _, tt := range tests {
		if got := formatSol(tt.lamports); got != tt.want {
			t.Errorf("formatSol(%d) = %q, want %q", tt.lamports, got, tt.want)
		}
	}
	if got := formatSignedSol(500_000_000); got != "+0.5000" {
		t.Errorf("expected +0.5000, got %q", got)
	}
}
