package domain

// PlacementDecision is one planned stake on a square.
// Produced in descending EVRatio order and consumed exactly once.
type PlacementDecision struct {
	Square              int
	AmountLamports      uint64
	EVRatio             float64
	OthersStakeLamports uint64
}

// PlacementStatus is the submission outcome of a single transaction.
type PlacementStatus string

// Placement status values.
const (
	PlacementSubmitted PlacementStatus = "submitted"
	PlacementProcessed PlacementStatus = "processed"
	PlacementConfirmed PlacementStatus = "confirmed"
	PlacementFailed    PlacementStatus = "failed"
)

// Succeeded reports whether the placement left the agent without failing.
func (s PlacementStatus) Succeeded() bool {
	return s != PlacementFailed && s != ""
}

// PlacementRecord is a persisted placement result.
// Corresponds to the placements table.
type PlacementRecord struct {
	PlacementID    string // uuid
	AttemptID      string // uuid shared by one attempt
	RoundID        uint64
	Square         int
	AmountLamports uint64
	EVRatio        float64
	Signature      string
	Status         PlacementStatus
	Error          string
	SubmittedAt    int64 // unix ms
}
