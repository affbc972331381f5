package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ore-agent/internal/logging"
	"ore-agent/internal/solana"
)

// DefaultBlockhashRefresh is the background refresh interval.
const DefaultBlockhashRefresh = 2 * time.Second

// BlockhashCache keeps a recent blockhash warm for transaction signing.
type BlockhashCache struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	current   *solana.Blockhash
	fetchedAt time.Time
	cancel    context.CancelFunc

	group singleflight.Group
}

// NewBlockhashCache creates a BlockhashCache refreshing every interval.
func NewBlockhashCache(client *Client, interval time.Duration, logger *slog.Logger) *BlockhashCache {
	if interval <= 0 {
		interval = DefaultBlockhashRefresh
	}
	return &BlockhashCache{
		client:   client,
		interval: interval,
		logger:   logging.Component(logger, "blockhash-cache"),
	}
}

// Start launches the background refresher.
func (c *BlockhashCache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			if _, err := c.refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to refresh blockhash", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the background refresher.
func (c *BlockhashCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Invalidate drops the cached blockhash.
func (c *BlockhashCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.fetchedAt = time.Time{}
}

// Fresh returns the cached blockhash when younger than the refresh interval,
// otherwise fetches a new one.
func (c *BlockhashCache) Fresh(ctx context.Context) (*solana.Blockhash, error) {
	c.mu.RLock()
	current, age := c.current, time.Since(c.fetchedAt)
	c.mu.RUnlock()
	if current != nil && age < c.interval {
		return current, nil
	}
	return c.refresh(ctx)
}

func (c *BlockhashCache) refresh(ctx context.Context) (*solana.Blockhash, error) {
	v, err, _ := c.group.Do("blockhash", func() (interface{}, error) {
		bh, err := c.client.GetLatestBlockhash(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = bh
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return bh, nil
	})
	if err != nil {
		return nil, err
	}
	bh, ok := v.(*solana.Blockhash)
	if !ok || bh == nil {
		return nil, errors.New("blockhash cache is empty")
	}
	return bh, nil
}
