package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder
	s := r.Summary

	sb.WriteString("# Round PnL Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Rounds %d..%d (last %d requested)\n\n", s.FirstRoundID, s.LastRoundID, r.Limit))

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Rounds | %d |\n", s.Rounds))
	sb.WriteString(fmt.Sprintf("| Wins / Losses | %d / %d |\n", s.Wins, s.Losses))
	sb.WriteString(fmt.Sprintf("| Win Rate | %s |\n", formatPct(s.WinRate)))
	sb.WriteString(fmt.Sprintf("| Total Staked (SOL) | %s |\n", formatSol(int64(s.TotalStakeLamports))))
	sb.WriteString(fmt.Sprintf("| SOL PnL | %s |\n", formatSignedSol(s.TotalPnLLamports)))
	sb.WriteString(fmt.Sprintf("| ORE Won | %s |\n", formatOre(s.TotalOreAtoms)))
	sb.WriteString(fmt.Sprintf("| Real PnL (SOL) | %s |\n", formatSignedSol(s.TotalRealPnLLamports)))
	sb.WriteString(fmt.Sprintf("| Median Round PnL | %s |\n", formatSignedSol(int64(s.PnLMedian))))
	sb.WriteString(fmt.Sprintf("| P10 / P90 | %s / %s |\n", formatSignedSol(int64(s.PnLP10)), formatSignedSol(int64(s.PnLP90))))
	sb.WriteString(fmt.Sprintf("| Max Drawdown | %s |\n", formatSol(int64(s.MaxDrawdown))))
	sb.WriteString(fmt.Sprintf("| Max Consecutive Losses | %d |\n", s.MaxConsecutiveLosses))
	sb.WriteString("\n")

	sb.WriteString("## Rounds\n\n")
	sb.WriteString("| Round | Outcome | Squares | Stake | SOL Delta | ORE | Real PnL | Cumulative |\n")
	sb.WriteString("|-------|---------|---------|-------|-----------|-----|----------|------------|\n")
	for _, row := range r.Rounds {
		sb.WriteString(fmt.Sprintf("| %d | %s | %d | %s | %s | %s | %s | %s |\n",
			row.RoundID, row.Outcome, row.Squares,
			formatSol(int64(row.StakeLamports)), formatSignedSol(row.SolDelta), formatOre(row.OreAtoms),
			formatSignedSol(row.RealPnLLamports), formatSignedSol(row.CumulativePnL)))
	}
	sb.WriteString("\n")

	if r.Latency != nil {
		sb.WriteString("## Attempt Latency\n\n")
		if r.Latency.Samples == 0 {
			sb.WriteString("No latency samples recorded.\n\n")
		} else {
			sb.WriteString("| Metric | Value |\n")
			sb.WriteString("|--------|-------|\n")
			sb.WriteString(fmt.Sprintf("| Samples | %d |\n", r.Latency.Samples))
			sb.WriteString(fmt.Sprintf("| Prep Mean (ms) | %.1f |\n", r.Latency.PrepMeanMs))
			sb.WriteString(fmt.Sprintf("| Prep P95 (ms) | %.1f |\n", r.Latency.PrepP95Ms))
			sb.WriteString(fmt.Sprintf("| Exec per Placement (ms) | %.1f |\n", r.Latency.ExecPerPlaceMs))
			sb.WriteString(fmt.Sprintf("| Mean Placements | %.2f |\n", r.Latency.MeanPlacements))
			sb.WriteString(fmt.Sprintf("| Last Sample | %s |\n", formatMs(r.Latency.LastRecordedAt)))
			sb.WriteString("\n")
		}
	}

	return sb.String()
}
