package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"ore-agent/internal/api"
	"ore-agent/internal/chain"
	"ore-agent/internal/checkpoint"
	"ore-agent/internal/claim"
	"ore-agent/internal/config"
	"ore-agent/internal/domain"
	"ore-agent/internal/latency"
	"ore-agent/internal/metrics"
	"ore-agent/internal/notify"
	"ore-agent/internal/orchestrator"
	"ore-agent/internal/ore"
	"ore-agent/internal/placement"
	"ore-agent/internal/price"
	"ore-agent/internal/solana"
	"ore-agent/internal/storage/backend"
	"ore-agent/internal/strategy"
	"ore-agent/internal/stream"
)

// agent owns every long-lived component.
type agent struct {
	cfg    *config.Config
	logger *slog.Logger

	stores    *backend.Stores
	ws        *solana.WSClientImpl
	client    *chain.Client
	watcher   *chain.BoardWatcher
	slots     *chain.SlotCache
	blockhash *chain.BlockhashCache
	tracker   *stream.Tracker
	executor  *placement.Executor
	estimator *latency.Estimator
	journal   latency.Journal
	oracle    *price.Oracle
	pnl       *metrics.Tracker
	sink      notify.Sink
	scheduler *orchestrator.Scheduler
	server    *api.Server
	jobs      *jobs
}

// build wires the agent. Failures here are fatal.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent, error) {
	a := &agent{cfg: cfg, logger: logger}

	keypair, err := solana.LoadKeypair(cfg.Wallet.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	authority := keypair.PublicKey()

	stores, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	a.stores = stores

	rpcOpts := []solana.ClientOption{
		solana.WithTimeout(cfg.RPC.Timeout),
		solana.WithMaxRetries(cfg.RPC.MaxRetries),
	}
	if cfg.RPC.RequestsPerSecond > 0 {
		rpcOpts = append(rpcOpts, solana.WithRateLimit(cfg.RPC.RequestsPerSecond, max(1, int(cfg.RPC.RequestsPerSecond))))
	}
	rpc := solana.NewHTTPClient(cfg.RPC.HTTPURL, rpcOpts...)

	ws, err := solana.NewWSClient(ctx, cfg.RPC.WSURL, &solana.WSClientConfig{Logger: logger})
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	a.ws = ws

	a.client = chain.NewClient(rpc, ws, solana.Commitment(cfg.RPC.Commitment), logger)
	a.watcher = chain.NewBoardWatcher(a.client, logger)
	a.slots = chain.NewSlotCache(a.client, logger)
	a.blockhash = chain.NewBlockhashCache(a.client, 0, logger)

	submitter := chain.NewSubmitter(rpc, keypair, chain.SubmitterConfig{
		SkipPreflight:     cfg.Transaction.SkipPreflight,
		AwaitConfirmation: cfg.Transaction.AwaitConfirmation,
		AwaitProcessed:    cfg.Transaction.AwaitProcessed,
		DryRun:            cfg.Wallet.DryRun,
	}, logger)

	httpClient := &http.Client{}
	a.sink = buildSink(cfg, httpClient, logger)

	a.oracle = price.NewOracle(price.Config{
		Endpoint:        cfg.Price.Endpoint,
		APIKey:          cfg.Price.APIKey,
		Timeout:         cfg.Price.Timeout,
		RefreshInterval: cfg.Price.RefreshInterval,
	}, httpClient, logger)

	a.pnl = metrics.NewTracker(metrics.TrackerOptions{
		Reader:    a.client,
		Authority: authority,
		Sink:      a.sink,
		Store:     stores.Outcomes,
		Price:     a.oracle,
		LossEvery: cfg.Notify.LossEvery,
		Logger:    logger,
	})

	a.estimator = latency.NewEstimator(latency.EstimatorOptions{
		SlotDurationMs: ore.SlotDurationMs,
		MaxSamples:     cfg.Runtime.LatencyHistorySize,
	})
	a.journal = buildJournal(cfg, stores, logger)

	planner := strategy.NewPlanner(strategy.PlannerConfig{
		BaseStakePercent:    cfg.Strategy.BaseStakePercent,
		MinEVRatio:          cfg.Strategy.MinEVRatio,
		CapNormalLamports:   cfg.Strategy.CapNormalLamports,
		CapHighLamports:     cfg.Strategy.CapHighLamports,
		MaxPlacements:       cfg.Strategy.MaxPlacements,
		MaxExposureLamports: cfg.Strategy.MaxExposureLamports,
		BufferLamports:      cfg.Strategy.BalanceBufferLamports,
		MinStakeLamports:    cfg.Strategy.MinStakeLamports,
		ScanSquareCount:     cfg.Strategy.ScanSquareCount,
		IncludeOreInEV:      cfg.Strategy.IncludeOreInEV,
		StakeScalingFactor:  cfg.Strategy.StakeScalingFactor,
		VolumeDecayPercent:  cfg.Strategy.VolumeDecayPercent,
	}, logger)

	verify := checkpoint.VerifyStrategy(checkpoint.NoVerify{})
	if cfg.Checkpoint.Verify.Enabled {
		verify = checkpoint.PollVerify{Reader: a.client, Retries: cfg.Checkpoint.Verify.Retries, Delay: cfg.Checkpoint.Verify.Delay}
	}
	checkpoints := checkpoint.NewService(checkpoint.NewCoordinator(logger), a.client, submitter, a.blockhash, checkpoint.ServiceConfig{
		DryRun:       cfg.Wallet.DryRun,
		PriorityFee:  cfg.Transaction.PriorityFeeMicroLamports,
		ComputeLimit: cfg.Transaction.ComputeUnitLimit,
		Verify:       verify,
	}, logger)

	claims := claim.NewService(a.client, submitter, a.blockhash, a.pnl, a.sink, claim.Config{
		ThresholdLamports: cfg.ClaimThresholdLamports(),
		DryRun:            cfg.Wallet.DryRun,
		PriorityFee:       cfg.Transaction.PriorityFeeMicroLamports,
		ComputeLimit:      cfg.Transaction.ComputeUnitLimit,
	}, logger)

	a.tracker = stream.NewTracker(stream.Options{Source: a.client, Planner: planner, Logger: logger})
	// The restart hook needs the scheduler, which needs the attempt.
	var scheduler *orchestrator.Scheduler
	helper := stream.NewHelper(a.tracker, func(ctx context.Context, roundID uint64) error {
		return scheduler.RestartStream(ctx, roundID)
	}, logger)

	prefetcher := placement.NewPrefetcher(placement.PrefetcherOptions{
		Reader:    a.client,
		Authority: authority,
		Ready:     checkpoints.EnsureReady,
		Logger:    logger,
	})
	resolver := placement.NewResolver(placement.ResolverOptions{
		Reader:     a.client,
		Price:      a.oracle,
		Authority:  authority,
		Stream:     a.tracker,
		Prefetcher: prefetcher,
		Rounds:     a.watcher,
		Logger:     logger,
	})
	instructions := placement.NewInstructionBuilder(a.client, authority, placement.InstructionConfig{
		ComputeUnitLimit:         cfg.Transaction.ComputeUnitLimit,
		PriorityFeeMicroLamports: cfg.Transaction.PriorityFeeMicroLamports,
	}, ore.InstructionCacheLimit, logger)
	queue := placement.NewQueueBuilder(placement.QueueConfig{
		OverheadFactorMs: cfg.Runtime.QueueOverheadFactorMs,
		OverheadMaxMs:    cfg.Runtime.QueueOverheadMaxMs,
		MinEVRatio:       cfg.Strategy.MinEVRatio,
	}, a.tracker, logger)
	a.executor = placement.NewExecutor(placement.ExecutorOptions{
		Sender:    submitter,
		Blockhash: a.blockhash,
		Latest:    a.client,
		Recorder:  a.pnl,
		Store:     stores.Placements,
		Logger:    logger,
	})

	attemptOpts := placement.AttemptOptions{
		Board:        a.client,
		FastMode:     cfg.Runtime.FastMode,
		Ready:        checkpoints.EnsureReady,
		Stream:       a.tracker,
		Helper:       helper,
		Resolver:     resolver,
		Planner:      planner,
		Instructions: instructions,
		Queue:        queue,
		Executor:     a.executor,
		Latency:      a.estimator,
		Journal:      a.journal,
		PnL:          a.pnl,
		Slots:        a.slots,
		MinEVRatio:   cfg.Strategy.MinEVRatio,
		Logger:       logger,
	}
	if cfg.MiningCost.Enabled {
		attemptOpts.MiningGate = strategy.NewMiningCostGate(strategy.MiningCostConfig{
			Enabled:          true,
			ThresholdPercent: cfg.MiningCost.ThresholdPercent,
			HistoryRounds:    cfg.MiningCost.HistoryRounds,
			Endpoint:         cfg.MiningCost.Endpoint,
		}, httpClient, logger)
	}
	attempt := &notifyingAttempt{
		inner:  placement.NewAttempt(attemptOpts),
		sink:   a.sink,
		logger: logger,
	}

	scheduler = orchestrator.New(orchestrator.Options{
		Board:      a.client,
		Watcher:    a.watcher,
		Slots:      a.slots,
		Latency:    a.estimator,
		Attempt:    attempt,
		Price:      a.oracle,
		Stream:     a.tracker,
		Prefetcher: prefetcher,
		Config:     instructions,
		Checkpoint: checkpoints,
		Claimer:    claims,
		Finalizer:  a.pnl,
		Accounts:   a.client,
		Authority:  authority,
		Settings: orchestrator.Config{
			MinSlots:               cfg.Runtime.AutoMinSlots,
			MaxSlots:               cfg.Runtime.AutoMaxSlots,
			SafetySlots:            cfg.Runtime.AutoSafetySlots,
			OverheadPerPlacementMs: cfg.Runtime.OverheadPerPlacementMs,
			ParallelismFactor:      cfg.Runtime.ParallelismFactor,
			MaxPlacements:          cfg.Strategy.MaxPlacements,
			PrepSlotsAhead:         cfg.Runtime.PrepSlotsAhead,
			PriceRefreshLeadSlots:  cfg.Runtime.PriceRefreshLeadSlots,
			StreamStartLeadSlots:   cfg.Runtime.StreamStartLeadSlots,
		},
		Logger: logger,
	})
	a.scheduler = scheduler

	if cfg.Server.Enabled {
		a.server = api.New(api.Options{
			Status:         scheduler,
			Stream:         a.tracker,
			Latency:        a.estimator,
			Price:          a.oracle,
			Outcomes:       stores.Outcomes,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			ReleaseMode:    true,
			Logger:         logger,
		})
	}

	a.jobs, err = newJobs(jobsOptions{
		Config:   cfg,
		Journal:  a.journal,
		Price:    a.oracle,
		Outcomes: metrics.NewAggregator(stores.Outcomes),
		Sink:     a.sink,
		Logger:   logger,
	})
	if err != nil {
		a.closeTransports()
		return nil, err
	}

	a.logger.Info("agent built",
		"authority", authority.String(),
		"dry_run", cfg.Wallet.DryRun,
		"journal", cfg.Latency.Journal,
		"outcomes", stores.OutcomeBackend,
		"claim", claims.Enabled(),
		"pnl", a.pnl.Enabled())
	return a, nil
}

func buildSink(cfg *config.Config, client *http.Client, logger *slog.Logger) notify.Sink {
	var sinks []notify.Sink
	if cfg.Notify.Console {
		sinks = append(sinks, notify.NewConsole())
	}
	if url := cfg.Notify.DiscordWebhookURL; url != "" {
		sinks = append(sinks, notify.NewDiscord(url, client))
	}
	multi := notify.NewMulti(logger, sinks...)
	if multi.Len() == 0 {
		return nil
	}
	return multi
}

func buildJournal(cfg *config.Config, stores *backend.Stores, logger *slog.Logger) latency.Journal {
	size := cfg.Runtime.LatencyHistorySize
	if cfg.Latency.Journal != "file" && stores.Latency != nil {
		return latency.NewStoreJournal(stores.Latency, size, logger)
	}
	return latency.NewFileJournal(cfg.Latency.Path, size, cfg.Latency.FlushInterval, logger)
}

// run starts background components and blocks in the scheduler.
func (a *agent) run(ctx context.Context) error {
	records, err := a.journal.Load(ctx)
	if err != nil {
		a.logger.Warn("latency history unavailable", "error", err)
	} else if len(records) > 0 {
		a.estimator.RestoreFromHistory(records)
		a.logger.Info("latency history restored", "samples", len(records))
	}

	a.slots.Start(ctx)
	a.blockhash.Start(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		// The scheduler falls back to RPC reads.
		a.logger.Warn("board watcher unavailable", "error", err)
	}
	if _, err := a.oracle.Refresh(ctx); err != nil {
		a.logger.Warn("initial price refresh failed", "error", err)
	}

	if a.server != nil {
		a.server.Start(a.cfg.Server.Addr)
	}
	a.jobs.Start()

	notify.Fire(ctx, a.sink, notify.Status("Agent started", "mining loop running",
		notify.Field{Name: "Dry run", Value: fmt.Sprint(a.cfg.Wallet.DryRun), Inline: true}), a.logger)

	return a.scheduler.Run(ctx)
}

// shutdown stops everything run started. ctx bounds the whole sequence.
func (a *agent) shutdown(ctx context.Context) {
	a.scheduler.Stop()

	select {
	case <-a.jobs.Stop().Done():
	case <-ctx.Done():
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("status server shutdown", "error", err)
		}
	}

	a.tracker.Stop(ctx)
	a.watcher.Stop(ctx)
	a.slots.Stop(ctx)
	a.blockhash.Stop()

	written := make(chan struct{})
	go func() {
		a.executor.Wait()
		close(written)
	}()
	select {
	case <-written:
	case <-ctx.Done():
		a.logger.Warn("placement writes still pending at shutdown")
	}

	if err := a.journal.Flush(ctx); err != nil {
		a.logger.Warn("latency journal flush failed", "error", err)
	}
	if fj, ok := a.journal.(*latency.FileJournal); ok {
		if err := fj.Close(ctx); err != nil {
			a.logger.Warn("latency journal close failed", "error", err)
		}
	}
	a.closeTransports()
}

func (a *agent) closeTransports() {
	if a.ws != nil {
		if err := a.ws.Close(); err != nil {
			a.logger.Debug("websocket close", "error", err)
		}
	}
	if a.stores != nil {
		a.stores.Close()
	}
}

// notifyingAttempt reports completed placements to the sink.
type notifyingAttempt struct {
	inner  orchestrator.Attempter
	sink   notify.Sink
	logger *slog.Logger
}

func (n *notifyingAttempt) Execute(ctx context.Context, roundID, endSlot uint64, observed *domain.Board) placement.Outcome {
	out := n.inner.Execute(ctx, roundID, endSlot, observed)
	if !out.Placed || n.sink == nil {
		return out
	}
	var stake uint64
	var topEV float64
	for _, r := range out.Summary.Results {
		if !r.Status.Succeeded() {
			continue
		}
		stake += r.Decision.AmountLamports
		topEV = max(topEV, r.Decision.EVRatio)
	}
	notify.Fire(ctx, n.sink, notify.Placement(out.RoundID, out.Completed, out.Planned, stake, topEV), n.logger)
	return out
}

var _ orchestrator.Attempter = (*notifyingAttempt)(nil)
