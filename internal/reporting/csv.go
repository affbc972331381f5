package reporting

import (
	"fmt"
	"strings"
)

// RenderCSV renders report rounds as CSV string. Amounts are lamports and atoms.
func RenderCSV(r *Report) string {
	var sb strings.Builder

	sb.WriteString("round_id,outcome,squares,stake_lamports,sol_delta_lamports,ore_atoms,")
	sb.WriteString("pnl_lamports,real_pnl_lamports,cumulative_pnl_lamports,evaluated_at\n")

	for _, row := range r.Rounds {
		sb.WriteString(fmt.Sprintf("%d,%s,%d,%d,%d,%d,%d,%d,%d,%d\n",
			row.RoundID,
			row.Outcome,
			row.Squares,
			row.StakeLamports,
			row.SolDelta,
			row.OreAtoms,
			row.PnLLamports,
			row.RealPnLLamports,
			row.CumulativePnL,
			row.EvaluatedAt,
		))
	}

	return sb.String()
}
