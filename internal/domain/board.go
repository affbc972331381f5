package domain

import "math"

// SquareCount is the number of squares in every round.
const SquareCount = 25

// Board identifies the currently active round window.
// Replaced wholesale on each on-chain update.
type Board struct {
	RoundID   uint64
	StartSlot uint64
	EndSlot   uint64
	EpochID   uint64
}

// Ready reports whether the board describes an open round window.
// A freshly reset board carries EndSlot = MaxUint64 until the first deploy.
func (b *Board) Ready() bool {
	if b == nil {
		return false
	}
	return b.EndSlot > b.StartSlot && b.EndSlot < math.MaxUint64
}

// RemainingSlots returns EndSlot - current, negative once the window closed.
func (b *Board) RemainingSlots(current uint64) int64 {
	return int64(b.EndSlot) - int64(current)
}
