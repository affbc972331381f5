package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ore-agent/internal/logging"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func clockedTracker(t *testing.T, src *fakeSource) (*Tracker, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	tr := newTestTracker(src, &countingPlanner{})
	tr.now = clock.Now
	startSeeded(t, tr, src, 7)
	return tr, clock
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestHelper_FreshStreamIsUsable(t *testing.T) {
	src := newFakeSource()
	src.setRound(roundWith(7), 100)
	tr, _ := clockedTracker(t, src)
	gets := src.getCount()

	h := NewHelper(tr, nil, logging.Discard())
	r := h.Prepare(context.Background(), 7)

	assert.True(t, r.Healthy)
	assert.True(t, r.Fresh)
	assert.True(t, r.Usable())
	assert.Equal(t, gets, src.getCount(), "fresh cache must not refresh")
}

func TestHelper_LaggingCacheIsRefreshed(t *testing.T) {
	src := newFakeSource()
	src.setRound(roundWith(7), 100)
	tr, clock := clockedTracker(t, src)
	gets := src.getCount()

	clock.Advance(120 * time.Millisecond)
	h := NewHelper(tr, nil, logging.Discard())
	r := h.Prepare(context.Background(), 7)

	assert.True(t, r.Usable())
	assert.Equal(t, gets+1, src.getCount())
	assert.Zero(t, r.Stats.CacheAge)
}

func TestHelper_StalledStreamRestarts(t *testing.T) {
	src := newFakeSource()
	src.setRound(roundWith(7), 100)
	tr, clock := clockedTracker(t, src)

	// Refreshes fail from here on.
	src.mu.Lock()
	delete(src.rounds, 7)
	src.mu.Unlock()
	clock.Advance(400 * time.Millisecond)

	restarted := make(chan uint64, 1)
	h := NewHelper(tr, func(_ context.Context, id uint64) error {
		restarted <- id
		return nil
	}, logging.Discard())

	r := h.Prepare(context.Background(), 7)
	assert.False(t, r.Healthy)
	assert.False(t, r.Usable())

	select {
	case id := <-restarted:
		assert.Equal(t, uint64(7), id)
	case <-time.After(time.Second):
		t.Fatal("restart not called")
	}
	assert.Eventually(t, func() bool { return !h.Restarting() }, time.Second, 5*time.Millisecond)
	assert.False(t, tr.IsActive())
}

func TestHelper_PrepareDoesNotWaitForRestart(t *testing.T) {
	tr := newTestTracker(newFakeSource(), &countingPlanner{})
	release := make(chan struct{})
	var calls atomic.Int32
	h := NewHelper(tr, func(ctx context.Context, _ uint64) error {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, logging.Discard())
	defer close(release)

	start := time.Now()
	r := h.Prepare(context.Background(), 9)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, r.Healthy)

	// A second attempt while the first restart is blocked joins it.
	h.Prepare(context.Background(), 9)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.Restarting())
}

func TestHelper_HealthyButNotFresh(t *testing.T) {
	src := newFakeSource()
	src.setRound(roundWith(7), 100)
	tr, clock := clockedTracker(t, src)

	src.mu.Lock()
	delete(src.rounds, 7)
	src.mu.Unlock()
	clock.Advance(100 * time.Millisecond)

	h := NewHelper(tr, nil, logging.Discard())
	h.sleep = noSleep
	r := h.Prepare(context.Background(), 7)

	require.True(t, r.Healthy)
	assert.False(t, r.Fresh)
	assert.False(t, r.Usable())
	assert.True(t, tr.IsActive())
}

func TestHelper_InactiveStreamStarts(t *testing.T) {
	tr := newTestTracker(newFakeSource(), &countingPlanner{})
	var called atomic.Int32
	h := NewHelper(tr, func(context.Context, uint64) error {
		called.Add(1)
		return nil
	}, logging.Discard())

	r := h.Prepare(context.Background(), 9)
	assert.False(t, r.Healthy)
	assert.Eventually(t, func() bool { return called.Load() == 1 }, time.Second, 5*time.Millisecond)
}
