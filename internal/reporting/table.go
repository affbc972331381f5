package reporting

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// RenderTable writes the summary and round tables for a terminal.
func RenderTable(w io.Writer, r *Report) error {
	s := r.Summary
	fmt.Fprintf(w, "Round PnL: rounds %d..%d, win rate %s, real PnL %s SOL\n\n",
		s.FirstRoundID, s.LastRoundID, formatPct(s.WinRate), formatSignedSol(s.TotalRealPnLLamports))

	rounds := tablewriter.NewWriter(w)
	rounds.Header("Round", "Outcome", "Squares", "Stake", "SOL Delta", "ORE", "Real PnL", "Cumulative")
	for _, row := range r.Rounds {
		if err := rounds.Append(
			strconv.FormatUint(row.RoundID, 10),
			row.Outcome,
			strconv.Itoa(row.Squares),
			formatSol(int64(row.StakeLamports)),
			formatSignedSol(row.SolDelta),
			formatOre(row.OreAtoms),
			formatSignedSol(row.RealPnLLamports),
			formatSignedSol(row.CumulativePnL),
		); err != nil {
			return err
		}
	}
	if err := rounds.Render(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	totals := tablewriter.NewWriter(w)
	totals.Header("Metric", "Value")
	for _, kv := range [][2]string{
		{"Wins / Losses", fmt.Sprintf("%d / %d", s.Wins, s.Losses)},
		{"Total Staked", formatSol(int64(s.TotalStakeLamports))},
		{"SOL PnL", formatSignedSol(s.TotalPnLLamports)},
		{"ORE Won", formatOre(s.TotalOreAtoms)},
		{"Max Drawdown", formatSol(int64(s.MaxDrawdown))},
		{"Max Consecutive Losses", strconv.Itoa(s.MaxConsecutiveLosses)},
	} {
		if err := totals.Append(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return totals.Render()
}
