// Package ore describes the on-chain ORE program: ids, PDAs, account layouts
// and instruction encodings.
package ore

import (
	"encoding/binary"

	"ore-agent/internal/solana"
)

// Program and mint addresses.
var (
	ProgramID        = solana.MustPublicKey("oreV3EG1i9BEgiAJ8b177Z2S2rMarzak4NMv1kULvWv")
	MintAddress      = solana.MustPublicKey("oreoU2P8bN6jkk3jbaiVxYnG1dCXcYxwhwyK9jSybcp")
	WrappedSOL       = solana.MustPublicKey("So11111111111111111111111111111111111111112")
	EntropyProgramID = solana.MustPublicKey("3jSkUuYBoJzQPMEzTvkDFXCZUBksPamrVhrnHR9igu2X")
)

// Timing constants.
const (
	SlotDurationMs         = 400
	MinLoopSleepMs         = 150
	MaxLoopSleepMs         = 2000
	StreamFreshnessLimitMs = 150
	InstructionCacheLimit  = 64
	LamportsPerSol         = 1_000_000_000
	OreAtomsPerOre         = 100_000_000_000
	MaxSquareIndex         = 24
)

func mustPDA(seeds ...[]byte) solana.PublicKey {
	addr, _, err := solana.FindProgramAddress(seeds, ProgramID)
	if err != nil {
		panic(err)
	}
	return addr
}

func u64LE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// RoundPDA derives the round account address for id.
func RoundPDA(id uint64) solana.PublicKey {
	return mustPDA([]byte("round"), u64LE(id))
}

// MinerPDA derives the miner account owned by authority.
func MinerPDA(authority solana.PublicKey) solana.PublicKey {
	return mustPDA([]byte("miner"), authority.Bytes())
}

// AutomationPDA derives the automation account of authority.
func AutomationPDA(authority solana.PublicKey) solana.PublicKey {
	return mustPDA([]byte("automation"), authority.Bytes())
}

// ConfigPDA derives the program config account.
func ConfigPDA() solana.PublicKey {
	return mustPDA([]byte("config"))
}

// TreasuryPDA derives the treasury account.
func TreasuryPDA() solana.PublicKey {
	return mustPDA([]byte("treasury"))
}

// BoardPDA derives the board account.
func BoardPDA() solana.PublicKey {
	return mustPDA([]byte("board"))
}
