package reporting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	solDecimals = 9
	oreDecimals = 11
)

// formatSol renders lamports as SOL with four decimals.
func formatSol(lamports int64) string {
	return decimal.New(lamports, -solDecimals).StringFixed(4)
}

// formatSignedSol is formatSol with an explicit sign for gains.
func formatSignedSol(lamports int64) string {
	if lamports > 0 {
		return "+" + formatSol(lamports)
	}
	return formatSol(lamports)
}

// formatOre renders ORE atoms with four decimals.
func formatOre(atoms int64) string {
	return decimal.New(atoms, -oreDecimals).StringFixed(4)
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
