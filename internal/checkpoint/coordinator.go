// Package checkpoint keeps the miner account checkpointed to its last
// participated round before new placements are submitted.
package checkpoint

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
)

// SubmitFunc submits a checkpoint for targetRound and returns once it is
// considered landed.
type SubmitFunc func(ctx context.Context, targetRound uint64) error

// Coordinator allows at most one checkpoint submission in flight per target
// round. Concurrent callers for the same target join the in-flight one.
type Coordinator struct {
	logger *slog.Logger
	group  singleflight.Group

	mu           sync.Mutex
	generation   uint64
	inflight     map[string]struct{}
	checkpointed uint64 // last target confirmed by a submission
	hasDone      bool
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger:   logging.Component(logger, "checkpoint"),
		inflight: make(map[string]struct{}),
	}
}

// Needed reports whether miner must be checkpointed before deploying.
func Needed(miner *domain.Miner) bool {
	return miner != nil && !miner.CheckpointedTo()
}

// EnsureCheckpoint returns nil when the miner is checkpointed to its last
// round, submitting through submit when it is not. Failures are not cached:
// the next call retries.
func (c *Coordinator) EnsureCheckpoint(ctx context.Context, miner *domain.Miner, currentRoundID uint64, submit SubmitFunc) error {
	if !Needed(miner) {
		return nil
	}
	target := miner.RoundID

	c.mu.Lock()
	if c.hasDone && c.checkpointed == target {
		c.mu.Unlock()
		return nil
	}
	key := strconv.FormatUint(c.generation, 10) + ":" + strconv.FormatUint(target, 10)
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	_, err, shared := c.group.Do(key, func() (interface{}, error) {
		c.logger.Info("submitting checkpoint",
			"target", target, "checkpointId", miner.CheckpointID, "round", currentRoundID)
		err := submit(ctx, target)
		observability.RecordCheckpoint(err)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.checkpointed = target
		c.hasDone = true
		c.mu.Unlock()
		return nil, nil
	})

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	if shared {
		c.logger.Debug("joined in-flight checkpoint", "target", target)
	}
	return err
}

// NotifyRoundStart drops in-flight bookkeeping of the previous round so that
// a late result cannot be joined by the new round's callers.
func (c *Coordinator) NotifyRoundStart(roundID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.inflight {
		c.group.Forget(key)
		delete(c.inflight, key)
	}
	c.generation++
	c.logger.Debug("checkpoint bookkeeping reset", "round", roundID)
}
