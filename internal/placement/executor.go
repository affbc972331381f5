package placement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
	"ore-agent/internal/solana"
	"ore-agent/internal/storage"
)

// Sender submits and simulates transactions.
type Sender interface {
	Submit(ctx context.Context, instructions []solana.Instruction, blockhash *solana.Blockhash, opts chain.SubmitOptions) chain.SubmitResult
	Simulate(ctx context.Context, instructions []solana.Instruction, blockhash *solana.Blockhash) (*solana.SimulationResult, error)
}

// BlockhashSource returns a recent blockhash.
type BlockhashSource interface {
	Fresh(ctx context.Context) (*solana.Blockhash, error)
}

// LatestBlockhash fetches an uncached blockhash for diagnostics.
type LatestBlockhash interface {
	GetLatestBlockhash(ctx context.Context) (*solana.Blockhash, error)
}

// Recorder is told about every successful placement.
type Recorder interface {
	RecordPlacement(roundID uint64, square int, lamports uint64)
}

// Result is the outcome of one queued placement.
type Result struct {
	Decision  domain.PlacementDecision
	Signature string
	Status    domain.PlacementStatus
	Err       error
	Duration  time.Duration
}

// Summary is the outcome of one execution batch.
type Summary struct {
	AttemptID string
	Results   []Result
	Completed int
}

// ExecutorOptions configures an Executor. Latest, Recorder and Store are
// optional.
type ExecutorOptions struct {
	Sender    Sender
	Blockhash BlockhashSource
	Latest    LatestBlockhash
	Recorder  Recorder
	Store     storage.PlacementStore
	Logger    *slog.Logger
}

// persistTimeout bounds a background placement write.
const persistTimeout = 10 * time.Second

// Executor submits a queue concurrently under one shared blockhash.
type Executor struct {
	sender    Sender
	blockhash BlockhashSource
	latest    LatestBlockhash
	recorder  Recorder
	store     storage.PlacementStore
	logger    *slog.Logger
	now       func() time.Time

	writes sync.WaitGroup
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	return &Executor{
		sender:    opts.Sender,
		blockhash: opts.Blockhash,
		latest:    opts.Latest,
		recorder:  opts.Recorder,
		store:     opts.Store,
		logger:    logging.Component(opts.Logger, "executor"),
		now:       time.Now,
	}
}

// Execute sends every queued placement in parallel. A failed placement
// never aborts its siblings; it only triggers a diagnostic simulation.
// Results are persisted in the background after Execute returns.
func (e *Executor) Execute(ctx context.Context, roundID uint64, queue []Queued) Summary {
	summary := Summary{AttemptID: uuid.NewString()}
	if len(queue) == 0 {
		return summary
	}

	bh, err := e.blockhash.Fresh(ctx)
	if err != nil {
		e.logger.Error("failed to fetch blockhash for placements", "round", roundID, "error", err)
		return summary
	}

	results := make([]Result, len(queue))
	var g errgroup.Group
	for i, q := range queue {
		i, q := i, q
		g.Go(func() error {
			results[i] = e.send(ctx, roundID, q, bh)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Status.Succeeded() {
			summary.Completed++
		}
	}
	summary.Results = results
	e.persist(ctx, roundID, summary)
	return summary
}

func (e *Executor) send(ctx context.Context, roundID uint64, q Queued, bh *solana.Blockhash) Result {
	start := e.now()
	d := q.Decision
	res := e.sender.Submit(ctx, q.Instructions, bh, chain.SubmitOptions{})
	out := Result{
		Decision:  d,
		Signature: res.Signature,
		Status:    res.Status,
		Err:       res.Err,
		Duration:  e.now().Sub(start),
	}
	if out.Status == "" {
		out.Status = domain.PlacementFailed
	}
	observability.RecordPlacement(string(out.Status), d.AmountLamports, out.Status.Succeeded())

	if out.Status.Succeeded() {
		e.logger.Info("placement sent",
			"round", roundID,
			"square", d.Square+1,
			"status", out.Status,
			"took", out.Duration,
			"signature", out.Signature)
		if e.recorder != nil {
			e.recorder.RecordPlacement(roundID, d.Square, d.AmountLamports)
		}
		return out
	}

	if out.Err == nil {
		out.Err = errors.New("placement failed")
	}
	e.logger.Error("placement failed", "round", roundID, "square", d.Square+1, "took", out.Duration, "error", out.Err)
	e.simulate(ctx, roundID, q)
	return out
}

// simulate replays a failed placement for its logs. Errors are swallowed.
func (e *Executor) simulate(ctx context.Context, roundID uint64, q Queued) {
	if e.latest == nil {
		return
	}
	bh, err := e.latest.GetLatestBlockhash(ctx)
	if err != nil {
		e.logger.Debug("unable to simulate placement", "error", err)
		return
	}
	sim, err := e.sender.Simulate(ctx, q.Instructions, bh)
	if err != nil {
		e.logger.Debug("unable to simulate placement", "error", err)
		return
	}
	if sim.Err != nil {
		e.logger.Error("simulation error", "round", roundID, "square", q.Decision.Square+1, "error", sim.Err)
	}
	if len(sim.Logs) > 0 {
		e.logger.Error("simulation logs", "round", roundID, "square", q.Decision.Square+1, "logs", sim.Logs)
	}
}

// Wait blocks until background placement writes finish.
func (e *Executor) Wait() {
	e.writes.Wait()
}

func (e *Executor) persist(ctx context.Context, roundID uint64, summary Summary) {
	if e.store == nil {
		return
	}
	records := make([]*domain.PlacementRecord, 0, len(summary.Results))
	submittedAt := e.now().UnixMilli()
	for _, r := range summary.Results {
		rec := &domain.PlacementRecord{
			PlacementID:    uuid.NewString(),
			AttemptID:      summary.AttemptID,
			RoundID:        roundID,
			Square:         r.Decision.Square,
			AmountLamports: r.Decision.AmountLamports,
			EVRatio:        r.Decision.EVRatio,
			Signature:      r.Signature,
			Status:         r.Status,
			SubmittedAt:    submittedAt,
		}
		if r.Err != nil && !r.Status.Succeeded() {
			rec.Error = r.Err.Error()
		}
		records = append(records, rec)
	}

	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := e.store.InsertBulk(wctx, records); err != nil {
			e.logger.Warn("failed to persist placements", "round", roundID, "error", err)
		}
	}()
}
