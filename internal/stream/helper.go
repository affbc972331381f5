package stream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
	"ore-agent/internal/ore"
)

// Freshness bounds applied before an attempt trusts the stream.
const (
	FreshnessLimit    = ore.StreamFreshnessLimitMs * time.Millisecond
	freshTarget       = 50 * time.Millisecond
	freshAttempts     = 3
	freshAttemptDelay = 15 * time.Millisecond
)

// RestartFunc reopens the stream for a round with freshly fetched context.
type RestartFunc func(ctx context.Context, roundID uint64) error

// Readiness reports whether an attempt may plan from the stream.
type Readiness struct {
	Healthy bool
	Fresh   bool
	Stats   Stats
}

// Usable reports whether decisions can be taken from the stream.
func (r Readiness) Usable() bool {
	return r.Healthy && r.Fresh && r.Stats.CacheAge <= FreshnessLimit
}

// Helper brings the tracker up to date right before an attempt.
type Helper struct {
	tracker *Tracker
	restart RestartFunc
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	restarting atomic.Bool
}

// NewHelper creates a Helper. restart may be nil.
func NewHelper(tracker *Tracker, restart RestartFunc, logger *slog.Logger) *Helper {
	return &Helper{
		tracker: tracker,
		restart: restart,
		logger:  logging.Component(logger, "stream-helper"),
		sleep:   sleepCtx,
	}
}

// Prepare refreshes a lagging cache and restarts a stalled stream. A stream
// that is healthy but cannot be made fresh reports Fresh=false so the
// caller can skip the attempt. Restarts run in the background; Prepare
// never waits for them.
func (h *Helper) Prepare(ctx context.Context, roundID uint64) Readiness {
	if age := h.tracker.CacheAge(); age > freshTarget {
		switch {
		case age > FreshnessLimit:
			h.tracker.ForceRefresh(ctx)
		case !h.tracker.RefreshIfStale(ctx, freshTarget):
			h.tracker.ForceRefresh(ctx)
		}
	}

	age := h.tracker.CacheAge()
	if age > FreshnessLimit || !h.tracker.IsHealthy() || h.tracker.RoundID() != roundID {
		observability.UpdateStreamHealthy(false)
		stats := h.tracker.Stats()
		h.restartAsync(ctx, roundID, age)
		return Readiness{Stats: stats}
	}

	observability.UpdateStreamHealthy(true)
	fresh := h.ensureFresh(ctx)
	return Readiness{Healthy: true, Fresh: fresh, Stats: h.tracker.Stats()}
}

// restartAsync stops the stalled stream and reopens it off the attempt path.
// At most one restart is in flight.
func (h *Helper) restartAsync(ctx context.Context, roundID uint64, age time.Duration) {
	if !h.restarting.CompareAndSwap(false, true) {
		return
	}
	active := h.tracker.IsActive()
	if active {
		h.logger.Warn("stream unhealthy, restarting", "round", roundID, "cache_age", age)
	}
	go func() {
		defer h.restarting.Store(false)
		if active {
			h.tracker.Stop(ctx)
		}
		if h.restart == nil {
			return
		}
		if err := h.restart(ctx, roundID); err != nil {
			h.logger.Warn("stream restart failed", "round", roundID, "error", err)
		}
	}()
}

// Restarting reports whether a background restart is still running.
func (h *Helper) Restarting() bool {
	return h.restarting.Load()
}

func (h *Helper) ensureFresh(ctx context.Context) bool {
	for i := 0; i < freshAttempts; i++ {
		if h.tracker.CacheAge() <= freshTarget {
			return true
		}
		if i == 0 {
			h.tracker.RefreshIfStale(ctx, freshTarget)
		} else {
			h.tracker.ForceRefresh(ctx)
		}
		if h.tracker.CacheAge() <= freshTarget {
			return true
		}
		if err := h.sleep(ctx, freshAttemptDelay); err != nil {
			return false
		}
	}
	return h.tracker.CacheAge() <= freshTarget
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
