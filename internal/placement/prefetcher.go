package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/solana"
)

// DefaultPrefetchMaxAge bounds how long a prefetched snapshot is served.
const DefaultPrefetchMaxAge = 1500 * time.Millisecond

// ChainReader reads the accounts a placement needs.
type ChainReader interface {
	GetRound(ctx context.Context, id uint64) (*domain.Round, uint64, error)
	GetMiner(ctx context.Context, authority solana.PublicKey) (*domain.Miner, error)
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
}

// ReadinessFunc gates a prefetch on checkpoint readiness.
type ReadinessFunc func(ctx context.Context, roundID uint64) error

// Snapshot is a prefetched placement context without price.
type Snapshot struct {
	Round           *domain.Round
	RoundSlot       uint64
	Miner           *domain.Miner // nil when the miner account is missing or unreadable
	BalanceLamports uint64
	FetchedAt       time.Time
}

// PrefetcherOptions configures a Prefetcher.
type PrefetcherOptions struct {
	Reader    ChainReader
	Authority solana.PublicKey
	// Ready is optional; a failure aborts the prefetch.
	Ready  ReadinessFunc
	MaxAge time.Duration
	Logger *slog.Logger
}

// Prefetcher warms a placement snapshot ahead of the attempt window.
// At most one fetch per round is in flight.
type Prefetcher struct {
	reader    ChainReader
	authority solana.PublicKey
	ready     ReadinessFunc
	maxAge    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	generation uint64
	pending    uint64
	inflight   bool
	cached     map[uint64]*Snapshot
	wg         sync.WaitGroup
}

// NewPrefetcher creates a Prefetcher.
func NewPrefetcher(opts PrefetcherOptions) *Prefetcher {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultPrefetchMaxAge
	}
	return &Prefetcher{
		reader:    opts.Reader,
		authority: opts.Authority,
		ready:     opts.Ready,
		maxAge:    opts.MaxAge,
		logger:    logging.Component(opts.Logger, "prefetcher"),
		now:       time.Now,
		cached:    make(map[uint64]*Snapshot),
	}
}

// Request starts a background fetch for roundID unless one is running.
func (p *Prefetcher) Request(ctx context.Context, roundID uint64) {
	p.mu.Lock()
	if p.inflight && p.pending == roundID {
		p.mu.Unlock()
		return
	}
	p.pending = roundID
	p.inflight = true
	gen := p.generation
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		snap, err := p.fetch(ctx, roundID)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.generation != gen {
			return
		}
		if p.pending == roundID {
			p.inflight = false
		}
		if err != nil {
			p.logger.Warn("prefetch failed", "round", roundID, "error", err)
			return
		}
		p.cached[roundID] = snap
	}()
}

// Wait blocks until every started fetch has returned.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Consume returns and removes the snapshot for roundID when it is younger
// than the max age.
func (p *Prefetcher) Consume(roundID uint64) (*Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.cached[roundID]
	if !ok {
		return nil, false
	}
	delete(p.cached, roundID)
	if age := p.now().Sub(snap.FetchedAt); age > p.maxAge {
		p.logger.Debug("prefetched snapshot stale", "round", roundID, "age", age)
		return nil, false
	}
	return snap, true
}

// Clear drops cached snapshots and detaches running fetches.
func (p *Prefetcher) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.cached = make(map[uint64]*Snapshot)
	p.pending = 0
	p.inflight = false
}

func (p *Prefetcher) fetch(ctx context.Context, roundID uint64) (*Snapshot, error) {
	if p.ready != nil {
		if err := p.ready(ctx, roundID); err != nil {
			return nil, fmt.Errorf("checkpoint not ready: %w", err)
		}
	}

	round, slot, err := p.reader.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("round %d: %w", roundID, err)
	}
	snap := &Snapshot{Round: round, RoundSlot: slot}

	if !p.authority.IsZero() {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			m, err := p.reader.GetMiner(gctx, p.authority)
			if errors.Is(err, chain.ErrAccountNotFound) {
				return nil
			}
			snap.Miner = m
			return err
		})
		g.Go(func() error {
			b, err := p.reader.GetBalance(gctx, p.authority)
			snap.BalanceLamports = b
			return err
		})
		if err := g.Wait(); err != nil {
			p.logger.Debug("prefetch miner or balance failed", "round", roundID, "error", err)
		}
	}

	snap.FetchedAt = p.now()
	return snap, nil
}
