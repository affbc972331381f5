package ore

import (
	"encoding/binary"
	"fmt"

	"ore-agent/internal/solana"
)

// Instruction opcodes.
const (
	OpAutomate   byte = 0
	OpCheckpoint byte = 2
	OpClaimSol   byte = 3
	OpDeploy     byte = 6
)

// Compute budget opcodes.
const (
	computeUnitLimitOp byte = 2
	computeUnitPriceOp byte = 3
)

// DeployParams describes one deploy instruction.
type DeployParams struct {
	Executor       solana.PublicKey
	Authority      solana.PublicKey
	RoundID        uint64
	AmountLamports uint64
	Squares        []int
	EntropyVar     solana.PublicKey
}

// SquareMask converts square indexes into the deploy bitmask.
func SquareMask(squares []int) (uint32, error) {
	if len(squares) == 0 {
		return 0, fmt.Errorf("no target squares")
	}
	var mask uint32
	for _, sq := range squares {
		if sq < 0 || sq > MaxSquareIndex {
			return 0, fmt.Errorf("square index %d out of range", sq)
		}
		mask |= 1 << uint(sq)
	}
	return mask, nil
}

// Deploy builds the deploy instruction: [op, u64 amount, u32 mask].
func Deploy(p DeployParams) (solana.Instruction, error) {
	mask, err := SquareMask(p.Squares)
	if err != nil {
		return solana.Instruction{}, err
	}
	if p.EntropyVar.IsZero() {
		return solana.Instruction{}, fmt.Errorf("entropy var not resolved")
	}

	data := make([]byte, 1+8+4)
	data[0] = OpDeploy
	binary.LittleEndian.PutUint64(data[1:], p.AmountLamports)
	binary.LittleEndian.PutUint32(data[9:], mask)

	return solana.Instruction{
		ProgramID: ProgramID,
		Data:      data,
		Accounts: []solana.AccountMeta{
			{PublicKey: p.Executor, IsSigner: true, IsWritable: true},
			{PublicKey: p.Authority, IsWritable: true},
			{PublicKey: AutomationPDA(p.Authority), IsWritable: true},
			{PublicKey: BoardPDA(), IsWritable: true},
			{PublicKey: ConfigPDA(), IsWritable: true},
			{PublicKey: MinerPDA(p.Authority), IsWritable: true},
			{PublicKey: RoundPDA(p.RoundID), IsWritable: true},
			{PublicKey: solana.SystemProgramID},
			{PublicKey: ProgramID},
			{PublicKey: p.EntropyVar, IsWritable: true},
			{PublicKey: EntropyProgramID},
		},
	}, nil
}

// Checkpoint builds the checkpoint instruction for the miner's last round.
func Checkpoint(authority solana.PublicKey, roundID uint64) solana.Instruction {
	return solana.Instruction{
		ProgramID: ProgramID,
		Data:      []byte{OpCheckpoint},
		Accounts: []solana.AccountMeta{
			{PublicKey: authority, IsSigner: true},
			{PublicKey: BoardPDA()},
			{PublicKey: MinerPDA(authority), IsWritable: true},
			{PublicKey: RoundPDA(roundID), IsWritable: true},
			{PublicKey: TreasuryPDA(), IsWritable: true},
			{PublicKey: solana.SystemProgramID},
		},
	}
}

// ClaimSol builds the SOL rewards claim instruction.
func ClaimSol(authority solana.PublicKey) solana.Instruction {
	return solana.Instruction{
		ProgramID: ProgramID,
		Data:      []byte{OpClaimSol},
		Accounts: []solana.AccountMeta{
			{PublicKey: authority, IsSigner: true, IsWritable: true},
			{PublicKey: MinerPDA(authority), IsWritable: true},
			{PublicKey: solana.SystemProgramID},
		},
	}
}

// SetComputeUnitLimit builds a compute budget limit instruction.
func SetComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = computeUnitLimitOp
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.Instruction{ProgramID: solana.ComputeBudgetProgramID, Data: data}
}

// SetComputeUnitPrice builds a priority fee instruction (micro-lamports per CU).
func SetComputeUnitPrice(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = computeUnitPriceOp
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.Instruction{ProgramID: solana.ComputeBudgetProgramID, Data: data}
}

// ComputeBudget returns the limit and price instructions, skipping zero values.
func ComputeBudget(unitLimit uint32, microLamports uint64) []solana.Instruction {
	var out []solana.Instruction
	if unitLimit > 0 {
		out = append(out, SetComputeUnitLimit(unitLimit))
	}
	if microLamports > 0 {
		out = append(out, SetComputeUnitPrice(microLamports))
	}
	return out
}
