package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"ore-agent/internal/logging"
)

// MiningDecision is the verdict of the mining-cost gate.
type MiningDecision string

// Mining decisions.
const (
	Mine MiningDecision = "MINE"
	Skip MiningDecision = "SKIP"
)

const (
	miningCostTimeout    = 1200 * time.Millisecond
	minCostHistoryRounds = 2
	maxCostHistoryRounds = 500
)

// MiningCostConfig configures the gate.
type MiningCostConfig struct {
	Enabled          bool
	ThresholdPercent float64
	HistoryRounds    int
	Endpoint         string
}

// MiningCostResult carries the decision and the values it was based on.
// EVPercent and AverageEVPercent are nil when unavailable.
type MiningCostResult struct {
	Decision         MiningDecision
	EVPercent        *float64
	AverageEVPercent *float64
}

// MiningCostGate decides whether mining is worth it this round from an
// external EV% summary, averaged over recent rounds.
type MiningCostGate struct {
	cfg    MiningCostConfig
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	cachedRound uint64
	cached      *float64
	hasCached   bool
	history     []float64
	lastRecord  uint64
	recorded    bool
}

// NewMiningCostGate creates a gate. A nil client uses a client with the
// default request timeout.
func NewMiningCostGate(cfg MiningCostConfig, client *http.Client, logger *slog.Logger) *MiningCostGate {
	if client == nil {
		client = &http.Client{Timeout: miningCostTimeout}
	}
	return &MiningCostGate{
		cfg:    cfg,
		client: client,
		logger: logging.Component(logger, "mining-cost"),
	}
}

func (g *MiningCostGate) historySize() int {
	n := g.cfg.HistoryRounds
	if n < minCostHistoryRounds {
		n = minCostHistoryRounds
	}
	if n > maxCostHistoryRounds {
		n = maxCostHistoryRounds
	}
	return n
}

// Evaluate returns MINE when the gate is disabled or the averaged EV% meets
// the threshold. Missing data yields SKIP.
func (g *MiningCostGate) Evaluate(ctx context.Context, roundID uint64) MiningCostResult {
	if !g.cfg.Enabled {
		return MiningCostResult{Decision: Mine}
	}

	ev := g.evPercent(ctx, roundID)
	if ev == nil {
		return MiningCostResult{Decision: Skip}
	}

	avg := g.record(roundID, *ev)
	basis := *ev
	if avg != nil {
		basis = *avg
	}

	decision := Skip
	if basis >= g.cfg.ThresholdPercent {
		decision = Mine
	}
	return MiningCostResult{Decision: decision, EVPercent: ev, AverageEVPercent: avg}
}

// evPercent returns the EV% for the round, fetching at most once per round.
func (g *MiningCostGate) evPercent(ctx context.Context, roundID uint64) *float64 {
	g.mu.Lock()
	if g.hasCached && g.cachedRound == roundID {
		v := g.cached
		g.mu.Unlock()
		return v
	}
	g.mu.Unlock()

	v, err := g.fetch(ctx)
	if err != nil {
		g.logger.Warn("mining cost fetch failed", "round", roundID, "error", err)
		v = nil
	}

	g.mu.Lock()
	g.cachedRound = roundID
	g.cached = v
	g.hasCached = true
	g.mu.Unlock()
	return v
}

func (g *MiningCostGate) fetch(ctx context.Context) (*float64, error) {
	ctx, cancel := context.WithTimeout(ctx, miningCostTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		EVPercent *float64 `json:"evPercent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if body.EVPercent == nil || math.IsNaN(*body.EVPercent) || math.IsInf(*body.EVPercent, 0) {
		return nil, nil
	}
	return body.EVPercent, nil
}

// record appends the value once per round and returns the rolling average.
func (g *MiningCostGate) record(roundID uint64, v float64) *float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.recorded || g.lastRecord != roundID {
		g.history = append(g.history, v)
		if over := len(g.history) - g.historySize(); over > 0 {
			g.history = g.history[over:]
		}
		g.lastRecord = roundID
		g.recorded = true
	}

	if len(g.history) == 0 {
		return nil
	}
	var sum float64
	for _, h := range g.history {
		sum += h
	}
	avg := sum / float64(len(g.history))
	return &avg
}
