package domain

import "time"

// PriceQuote is an ORE price expressed in SOL.
type PriceQuote struct {
	SolPerOre    float64
	NetSolPerOre float64 // after swap fees
	FetchedAt    time.Time
}

// IsStale reports whether the quote is older than maxAge at now.
func (q *PriceQuote) IsStale(now time.Time, maxAge time.Duration) bool {
	if q == nil {
		return true
	}
	return now.Sub(q.FetchedAt) > maxAge
}
