package api

import (
	"time"

	"ore-agent/internal/domain"
	"ore-agent/internal/metrics"
)

// ErrorResponse is the error envelope of every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AttemptInfo summarizes the last placement attempt.
type AttemptInfo struct {
	RoundID    uint64    `json:"round_id"`
	Placed     bool      `json:"placed"`
	Planned    int       `json:"planned"`
	Completed  int       `json:"completed"`
	Source     string    `json:"source,omitempty"`
	Skip       string    `json:"skip,omitempty"`
	FinishSlot uint64    `json:"finish_slot,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// StreamInfo reports the round stream.
type StreamInfo struct {
	RoundID       uint64 `json:"round_id"`
	State         string `json:"state"`
	Active        bool   `json:"active"`
	Healthy       bool   `json:"healthy"`
	TotalUpdates  int    `json:"total_updates"`
	MissedUpdates int    `json:"missed_updates"`
	CacheAgeMs    int64  `json:"cache_age_ms"`
}

// LatencyInfo reports the latency estimator.
type LatencyInfo struct {
	Initialized        bool     `json:"initialized"`
	PrepMs             float64  `json:"prep_ms"`
	PrepP95Ms          *float64 `json:"prep_p95_ms,omitempty"`
	ExecPerPlacementMs float64  `json:"exec_per_placement_ms"`
	ExecP95Ms          *float64 `json:"exec_p95_ms,omitempty"`
}

// PriceInfo reports the cached ORE quote.
type PriceInfo struct {
	SolPerOre    float64   `json:"sol_per_ore"`
	NetSolPerOre float64   `json:"net_sol_per_ore"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	RoundID          uint64       `json:"round_id"`
	EndSlot          uint64       `json:"end_slot"`
	CurrentSlot      uint64       `json:"current_slot"`
	RemainingSlots   int64        `json:"remaining_slots"`
	AttemptThreshold int          `json:"attempt_threshold"`
	Placed           bool         `json:"placed"`
	UpdatedAt        time.Time    `json:"updated_at"`
	LastAttempt      *AttemptInfo `json:"last_attempt,omitempty"`
	Stream           *StreamInfo  `json:"stream,omitempty"`
	Latency          *LatencyInfo `json:"latency,omitempty"`
	Price            *PriceInfo   `json:"price,omitempty"`
}

// RoundOutcome is one evaluated round.
type RoundOutcome struct {
	RoundID         uint64  `json:"round_id"`
	Outcome         string  `json:"outcome"`
	StakeLamports   uint64  `json:"stake_lamports"`
	Squares         []int   `json:"squares"`
	Placements      int     `json:"placements"`
	RewardsSolDelta int64   `json:"rewards_sol_delta"`
	RewardsOreDelta int64   `json:"rewards_ore_delta"`
	PnLLamports     int64   `json:"pnl_lamports"`
	RealPnLLamports int64   `json:"real_pnl_lamports"`
	NetSolPerOre    float64 `json:"net_sol_per_ore"`
	LossesBeforeWin int     `json:"losses_before_win"`
	EvaluatedAt     int64   `json:"evaluated_at"`
}

// RoundsResponse is returned by GET /api/v1/rounds.
type RoundsResponse struct {
	Rounds  []RoundOutcome   `json:"rounds"`
	Count   int              `json:"count"`
	Summary *metrics.Summary `json:"summary,omitempty"`
}

func toRoundOutcome(o *domain.RoundOutcome) RoundOutcome {
	squares := o.Squares
	if squares == nil {
		squares = []int{}
	}
	return RoundOutcome{
		RoundID:         o.RoundID,
		Outcome:         o.Outcome,
		StakeLamports:   o.StakeLamports,
		Squares:         squares,
		Placements:      o.Placements,
		RewardsSolDelta: o.RewardsSolDelta,
		RewardsOreDelta: o.RewardsOreDelta,
		PnLLamports:     o.PnLLamports,
		RealPnLLamports: o.RealPnLLamports,
		NetSolPerOre:    o.NetSolPerOre,
		LossesBeforeWin: o.LossesBeforeWin,
		EvaluatedAt:     o.EvaluatedAt,
	}
}
