package domain

// Miner is a snapshot of the wallet's miner account.
type Miner struct {
	Authority     string
	Deployed      [SquareCount]uint64
	RewardsSol    uint64 // lamports
	RewardsOre    uint64 // ORE atoms
	RefinedOre    uint64
	CheckpointFee uint64
	CheckpointID  uint64 // last round rewards were checkpointed to
	RoundID       uint64 // last round the miner participated in
}

// CheckpointedTo reports whether rewards accounting caught up with the
// last participated round.
func (m *Miner) CheckpointedTo() bool {
	return m.RoundID == 0 || m.CheckpointID == m.RoundID
}

// ExposureLamports returns the sum of stakes already deployed this round.
func (m *Miner) ExposureLamports() uint64 {
	var total uint64
	for _, v := range m.Deployed {
		total += v
	}
	return total
}
