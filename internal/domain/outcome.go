package domain

// RoundOutcome is the evaluated result of a round the agent staked in.
// Corresponds to the round_outcomes table.
type RoundOutcome struct {
	RoundID         uint64
	StakeLamports   uint64
	Squares         []int
	Placements      int
	RewardsSolDelta int64   // lamports
	RewardsOreDelta int64   // ORE atoms
	PnLLamports     int64   // rewards delta minus stake
	RealPnLLamports int64   // PnL including ORE valued at NetSolPerOre
	NetSolPerOre    float64
	Outcome         string // WIN | LOSS
	LossesBeforeWin int
	EvaluatedAt     int64 // unix ms
}

// Outcome values.
const (
	OutcomeWin  = "WIN"
	OutcomeLoss = "LOSS"
)
