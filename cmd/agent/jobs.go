package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"ore-agent/internal/config"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/metrics"
	"ore-agent/internal/notify"
)

const jobTimeout = 30 * time.Second

// Flusher persists buffered latency records.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Refresher re-reads the ORE price.
type Refresher interface {
	Refresh(ctx context.Context) (*domain.PriceQuote, error)
}

// OutcomeReports summarizes and prunes stored round outcomes.
type OutcomeReports interface {
	Recent(ctx context.Context, limit int) (*metrics.Summary, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type jobsOptions struct {
	Config   *config.Config
	Journal  Flusher
	Price    Refresher
	Outcomes OutcomeReports
	Sink     notify.Sink
	Logger   *slog.Logger
}

// jobs runs periodic maintenance outside the mining loop.
type jobs struct {
	cron   *cron.Cron
	opts   jobsOptions
	logger *slog.Logger
	now    func() time.Time
}

func newJobs(opts jobsOptions) (*jobs, error) {
	logger := logging.Component(opts.Logger, "jobs")
	cl := cronLogger{logger: logger}
	j := &jobs{
		cron: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}

	cfg := opts.Config
	if opts.Journal != nil && cfg.Latency.FlushInterval > 0 {
		j.cron.Schedule(cron.Every(cfg.Latency.FlushInterval), cron.FuncJob(j.flushJournal))
	}
	if opts.Price != nil && cfg.Price.RefreshInterval > 0 {
		j.cron.Schedule(cron.Every(cfg.Price.RefreshInterval), cron.FuncJob(j.refreshPrice))
	}
	if opts.Outcomes != nil && opts.Sink != nil && cfg.Jobs.StatusSummary != "" {
		if _, err := j.cron.AddFunc(cfg.Jobs.StatusSummary, j.statusSummary); err != nil {
			return nil, fmt.Errorf("schedule status summary: %w", err)
		}
	}
	if opts.Outcomes != nil && cfg.Jobs.OutcomeRetention != "" && cfg.Jobs.RetainOutcomes > 0 {
		if _, err := j.cron.AddFunc(cfg.Jobs.OutcomeRetention, j.pruneOutcomes); err != nil {
			return nil, fmt.Errorf("schedule outcome retention: %w", err)
		}
	}
	return j, nil
}

// Start runs the scheduler in its own goroutine.
func (j *jobs) Start() {
	j.cron.Start()
	j.logger.Info("jobs started", "count", len(j.cron.Entries()))
}

// Stop prevents new runs. The returned context is done once running jobs finish.
func (j *jobs) Stop() context.Context {
	return j.cron.Stop()
}

func (j *jobs) flushJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := j.opts.Journal.Flush(ctx); err != nil {
		j.logger.Warn("journal flush failed", "error", err)
	}
}

func (j *jobs) refreshPrice() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, err := j.opts.Price.Refresh(ctx); err != nil {
		j.logger.Debug("price refresh failed", "error", err)
	}
}

func (j *jobs) statusSummary() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	s, err := j.opts.Outcomes.Recent(ctx, j.opts.Config.Jobs.SummaryRounds)
	if errors.Is(err, metrics.ErrNoOutcomes) {
		return
	}
	if err != nil {
		j.logger.Warn("status summary failed", "error", err)
		return
	}
	ev := notify.Status("Mining summary", fmt.Sprintf("Last %d evaluated rounds", s.Rounds),
		notify.Field{Name: "Win rate", Value: fmt.Sprintf("%.1f%%", s.WinRate*100), Inline: true},
		notify.Field{Name: "Staked", Value: notify.FormatSol(int64(s.TotalStakeLamports)), Inline: true},
		notify.Field{Name: "PnL", Value: notify.FormatSignedSol(s.TotalRealPnLLamports), Inline: true},
		notify.Field{Name: "Loss streak", Value: fmt.Sprint(s.MaxConsecutiveLosses), Inline: true},
	)
	notify.Fire(ctx, j.opts.Sink, ev, j.logger)
}

func (j *jobs) pruneOutcomes() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.opts.Config.Jobs.RetainOutcomes)
	n, err := j.opts.Outcomes.Prune(ctx, cutoff)
	if err != nil {
		j.logger.Warn("outcome prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("outcomes pruned", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// cronLogger routes cron's logr-style calls into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
