package domain

// LatencyRecord is one measured placement attempt.
type LatencyRecord struct {
	RoundID    uint64  `json:"roundId,string"`
	Placements int     `json:"placements"`
	PrepMs     float64 `json:"prepMs"`
	ExecMs     float64 `json:"execMs"`
	RecordedAt int64   `json:"recordedAt"` // unix ms
}

// LatencySnapshot holds rolling latency statistics.
// P95 fields are nil until a sample exists.
type LatencySnapshot struct {
	PrepMs             float64
	PrepP95Ms          *float64
	ExecPerPlacementMs float64
	ExecP95Ms          *float64
	Initialized        bool
}
