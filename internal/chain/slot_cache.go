package chain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ore-agent/internal/logging"
)

// Slot cache timing.
const (
	slotStaleAfter      = 800 * time.Millisecond
	slotRefreshInterval = 500 * time.Millisecond
	slotRefreshTimeout  = 300 * time.Millisecond
)

// SlotCache tracks the current slot from slotSubscribe pushes, refreshing
// over RPC when the push stream stalls.
type SlotCache struct {
	client *Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	slot      uint64
	updatedAt time.Time
	handle    uint64
	cancel    context.CancelFunc

	group singleflight.Group
}

// NewSlotCache creates a SlotCache.
func NewSlotCache(client *Client, logger *slog.Logger) *SlotCache {
	return &SlotCache{
		client: client,
		logger: logging.Component(logger, "slot-cache"),
		now:    time.Now,
	}
}

// Start seeds the slot, subscribes to slot updates and starts the stall
// refresher. Subscription failure leaves the cache in RPC-only mode.
func (c *SlotCache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if _, err := c.refresh(runCtx); err != nil {
		c.logger.Debug("initial slot fetch failed", "error", err)
	}

	handle, err := c.client.SubscribeSlot(runCtx, c.set)
	if err != nil {
		c.logger.Warn("slot subscription failed, using RPC only", "error", err)
	} else {
		c.mu.Lock()
		c.handle = handle
		c.mu.Unlock()
	}

	go c.refreshLoop(runCtx)
}

// Stop cancels the refresher and the subscription.
func (c *SlotCache) Stop(ctx context.Context) {
	c.mu.Lock()
	cancel, handle := c.cancel, c.handle
	c.cancel, c.handle = nil, 0
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.client.Unsubscribe(ctx, handle)
}

func (c *SlotCache) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(slotRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.stale() {
				_, _ = c.refresh(ctx)
			}
		}
	}
}

func (c *SlotCache) set(slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot >= c.slot {
		c.slot = slot
	}
	c.updatedAt = c.now()
}

func (c *SlotCache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot == 0 || c.now().Sub(c.updatedAt) > slotStaleAfter
}

// refresh fetches the slot over RPC. Concurrent callers share one request.
func (c *SlotCache) refresh(ctx context.Context) (uint64, error) {
	v, err, _ := c.group.Do("slot", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, slotRefreshTimeout)
		defer cancel()
		slot, err := c.client.GetSlot(ctx)
		if err != nil {
			return uint64(0), err
		}
		c.set(slot)
		return slot, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Slot returns the current slot. A stale cache is refreshed over RPC; when
// that fails the last known slot is returned.
func (c *SlotCache) Slot(ctx context.Context) uint64 {
	if !c.stale() {
		return c.Cached()
	}
	slot, err := c.refresh(ctx)
	if err != nil {
		c.logger.Debug("slot refresh failed, using last known", "error", err)
		return c.Cached()
	}
	return slot
}

// Cached returns the last known slot without I/O.
func (c *SlotCache) Cached() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot
}
