// Package claim withdraws SOL rewards from the miner once they pass a threshold.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/notify"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
)

// MinerReader reads the wallet's miner account.
type MinerReader interface {
	GetMiner(ctx context.Context, authority solana.PublicKey) (*domain.Miner, error)
}

// Submitter sends signed transactions.
type Submitter interface {
	Authority() solana.PublicKey
	Submit(ctx context.Context, instructions []solana.Instruction, blockhash *solana.Blockhash, opts chain.SubmitOptions) chain.SubmitResult
}

// BlockhashSource provides a recent blockhash.
type BlockhashSource interface {
	Fresh(ctx context.Context) (*solana.Blockhash, error)
}

// ClaimListener is told about claimed rewards so PnL baselines stay correct.
type ClaimListener interface {
	HandleClaimed(solLamports, oreAtoms uint64)
}

// Config configures the claim service.
type Config struct {
	ThresholdLamports uint64 // 0 disables
	DryRun            bool
	PriorityFee       uint64
	ComputeLimit      uint32
	SubmitTimeout     time.Duration
}

// Service claims SOL rewards.
type Service struct {
	reader    MinerReader
	submitter Submitter
	blockhash BlockhashSource
	listener  ClaimListener
	sink      notify.Sink
	cfg       Config
	logger    *slog.Logger

	mu sync.Mutex
}

// NewService creates a Service. listener and sink may be nil.
func NewService(reader MinerReader, submitter Submitter, blockhash BlockhashSource, listener ClaimListener, sink notify.Sink, cfg Config, logger *slog.Logger) *Service {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &Service{
		reader:    reader,
		submitter: submitter,
		blockhash: blockhash,
		listener:  listener,
		sink:      sink,
		cfg:       cfg,
		logger:    logging.Component(logger, "claim"),
	}
}

// Enabled reports whether a threshold is configured.
func (s *Service) Enabled() bool {
	return s.cfg.ThresholdLamports > 0
}

// MaybeClaim claims SOL rewards when they reach the threshold and returns
// the claimed amount. Concurrent calls are serialized.
func (s *Service) MaybeClaim(ctx context.Context) (uint64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	authority := s.submitter.Authority()
	miner, err := s.reader.GetMiner(ctx, authority)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("claim: read miner: %w", err)
	}
	if miner.RewardsSol < s.cfg.ThresholdLamports {
		return 0, nil
	}

	amount := miner.RewardsSol
	if s.cfg.DryRun {
		s.logger.Info("dry run: would claim", "lamports", amount)
		return 0, nil
	}

	sig, err := s.submit(ctx, authority)
	if err != nil {
		return 0, err
	}

	s.logger.Info("rewards claimed", "lamports", amount, "signature", sig)
	if s.listener != nil {
		s.listener.HandleClaimed(amount, 0)
	}
	notify.Fire(ctx, s.sink, notify.Claimed(miner.RoundID, amount, sig), s.logger)
	return amount, nil
}

func (s *Service) submit(ctx context.Context, authority solana.PublicKey) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	bh, err := s.blockhash.Fresh(ctx)
	if err != nil {
		return "", fmt.Errorf("claim: blockhash: %w", err)
	}
	ixs := append(ore.ComputeBudget(s.cfg.ComputeLimit, s.cfg.PriorityFee), ore.ClaimSol(authority))
	res := s.submitter.Submit(ctx, ixs, bh, chain.SubmitOptions{Await: solana.CommitmentConfirmed})
	if res.Err != nil {
		return "", fmt.Errorf("claim: submit: %w", res.Err)
	}
	if !res.Status.Succeeded() {
		return "", fmt.Errorf("claim: status %s", res.Status)
	}
	return res.Signature, nil
}
