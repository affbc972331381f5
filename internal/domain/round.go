package domain

// Round is a snapshot of the on-chain round account.
// Deployed holds cumulative lamports staked per square by all participants.
type Round struct {
	ID             uint64
	Deployed       [SquareCount]uint64
	SlotHash       [32]byte
	Count          [SquareCount]uint64
	ExpiresAt      uint64
	Motherlode     uint64 // ORE atoms
	RentPayer      string
	TopMiner       string
	TopMinerReward uint64
	TotalDeployed  uint64
	TotalMiners    uint64
	TotalVaulted   uint64
	TotalWinnings  uint64
}

// Clone returns a deep copy of the round.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// SameDeployment reports whether both rounds have identical per-square totals.
func (r *Round) SameDeployment(other *Round) bool {
	if r == nil || other == nil {
		return false
	}
	return r.Deployed == other.Deployed
}
