package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/solana"
	"ore-agent/internal/stream"
)

// Resolution errors.
var (
	ErrNoPrice      = errors.New("price quote unavailable")
	ErrRoundMissing = errors.New("round snapshot unavailable")
	ErrMinerMissing = errors.New("miner snapshot unavailable")
)

// Source names where a resolved context came from.
type Source string

// Context sources, cheapest first.
const (
	SourceStream   Source = "stream"
	SourcePrefetch Source = "prefetch"
	SourceDirect   Source = "direct"
)

// PriceSource returns the cached price quote, or nil.
type PriceSource interface {
	Price() *domain.PriceQuote
}

// StreamView is the read side of the round stream.
type StreamView interface {
	IsHealthy() bool
	CacheAge() time.Duration
	Round() *domain.Round
	Context() (stream.Context, bool)
}

// RoundSource is the pushed round kept by the board watcher.
type RoundSource interface {
	Round() *chain.RoundSnapshot
}

// Resolved is everything the planner needs for one attempt.
type Resolved struct {
	Round           *domain.Round
	Miner           *domain.Miner
	BalanceLamports uint64
	Price           *domain.PriceQuote
	Source          Source
	// Elapsed is measured from the attempt start.
	Elapsed time.Duration
}

// ResolverOptions configures a Resolver. Stream, Prefetcher and Rounds are
// optional.
type ResolverOptions struct {
	Reader     ChainReader
	Price      PriceSource
	Authority  solana.PublicKey
	Stream     StreamView
	Prefetcher *Prefetcher
	// Rounds saves the round read on the direct path while its pushed
	// snapshot is fresh.
	Rounds RoundSource
	// Freshness is the oldest stream or prefetch snapshot accepted.
	Freshness time.Duration
	Logger    *slog.Logger
}

// Resolver assembles the planning context from the freshest cheap source:
// stream cache, then prefetch cache, then a direct parallel fetch.
type Resolver struct {
	reader     ChainReader
	price      PriceSource
	authority  solana.PublicKey
	stream     StreamView
	prefetcher *Prefetcher
	rounds     RoundSource
	freshness  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Freshness <= 0 {
		opts.Freshness = stream.FreshnessLimit
	}
	return &Resolver{
		reader:     opts.Reader,
		price:      opts.Price,
		authority:  opts.Authority,
		stream:     opts.Stream,
		prefetcher: opts.Prefetcher,
		rounds:     opts.Rounds,
		freshness:  opts.Freshness,
		logger:     logging.Component(opts.Logger, "context"),
		now:        time.Now,
	}
}

// Resolve returns the context for roundID. Without a price quote nothing
// can be planned and ErrNoPrice is returned.
func (r *Resolver) Resolve(ctx context.Context, roundID uint64, start time.Time) (*Resolved, error) {
	res, err := r.resolve(ctx, roundID)
	if err != nil {
		return nil, err
	}

	quote, err := r.Price(roundID)
	if err != nil {
		return nil, err
	}
	res.Price = quote
	res.Elapsed = r.now().Sub(start)
	return res, nil
}

// Price returns the cached quote or ErrNoPrice.
func (r *Resolver) Price(roundID uint64) (*domain.PriceQuote, error) {
	quote := r.price.Price()
	if quote == nil {
		r.logger.Warn("price quote unavailable, unable to evaluate EV", "round", roundID)
		return nil, ErrNoPrice
	}
	return quote, nil
}

func (r *Resolver) resolve(ctx context.Context, roundID uint64) (*Resolved, error) {
	if res, ok := r.fromStream(roundID); ok {
		return res, nil
	}
	if res, ok := r.fromPrefetch(roundID); ok {
		return res, nil
	}
	return r.fetchDirect(ctx, roundID)
}

func (r *Resolver) fromStream(roundID uint64) (*Resolved, bool) {
	if r.stream == nil || !r.stream.IsHealthy() {
		return nil, false
	}
	if age := r.stream.CacheAge(); age > r.freshness {
		r.logger.Debug("stream snapshot too old", "round", roundID, "age", age)
		return nil, false
	}
	sc, ok := r.stream.Context()
	round := r.stream.Round()
	if !ok || sc.Miner == nil || round == nil || round.ID != roundID {
		return nil, false
	}
	return &Resolved{Round: round, Miner: sc.Miner, BalanceLamports: sc.BalanceLamports, Source: SourceStream}, true
}

func (r *Resolver) fromPrefetch(roundID uint64) (*Resolved, bool) {
	if r.prefetcher == nil {
		return nil, false
	}
	snap, ok := r.prefetcher.Consume(roundID)
	if !ok {
		return nil, false
	}
	age := r.now().Sub(snap.FetchedAt)
	if age > r.freshness || snap.Miner == nil {
		r.logger.Debug("discarding prefetched snapshot", "round", roundID, "age", age, "miner", snap.Miner != nil)
		return nil, false
	}
	r.logger.Debug("using prefetched snapshot", "round", roundID, "age", age)
	return &Resolved{Round: snap.Round, Miner: snap.Miner, BalanceLamports: snap.BalanceLamports, Source: SourcePrefetch}, true
}

func (r *Resolver) fetchDirect(ctx context.Context, roundID uint64) (*Resolved, error) {
	start := r.now()
	res := &Resolved{Source: SourceDirect}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if round := r.pushedRound(roundID); round != nil {
			res.Round = round
			return nil
		}
		round, _, err := r.reader.GetRound(gctx, roundID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRoundMissing, err)
		}
		res.Round = round
		return nil
	})
	g.Go(func() error {
		miner, err := r.reader.GetMiner(gctx, r.authority)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMinerMissing, err)
		}
		res.Miner = miner
		return nil
	})
	g.Go(func() error {
		balance, err := r.reader.GetBalance(gctx, r.authority)
		if err != nil {
			return fmt.Errorf("get balance: %w", err)
		}
		res.BalanceLamports = balance
		return nil
	})
	if err := g.Wait(); err != nil {
		r.logger.Warn("direct context fetch failed", "round", roundID, "error", err)
		return nil, err
	}

	r.logger.Debug("fetched context directly", "round", roundID, "took", r.now().Sub(start))
	return res, nil
}

// pushedRound returns the watcher's copy of roundID if it is fresh enough.
func (r *Resolver) pushedRound(roundID uint64) *domain.Round {
	if r.rounds == nil {
		return nil
	}
	snap := r.rounds.Round()
	if snap == nil || snap.Round == nil || snap.Round.ID != roundID {
		return nil
	}
	if r.now().Sub(snap.ReceivedAt) > r.freshness {
		return nil
	}
	return snap.Round
}
