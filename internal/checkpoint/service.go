package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
)

// ErrNotReady is returned when the miner could not be checkpointed.
var ErrNotReady = errors.New("checkpoint not ready")

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

// VerifyStrategy decides when a submitted checkpoint counts as landed.
type VerifyStrategy interface {
	Verify(ctx context.Context, authority solana.PublicKey, target uint64) error
}

// NoVerify trusts the submission result.
type NoVerify struct{}

// Verify always succeeds.
func (NoVerify) Verify(context.Context, solana.PublicKey, uint64) error { return nil }

// PollVerify re-reads the miner until its checkpoint id reaches the target.
type PollVerify struct {
	Reader  MinerReader
	Retries int
	Delay   time.Duration
}

// Verify polls up to Retries times with Delay between reads.
func (v PollVerify) Verify(ctx context.Context, authority solana.PublicKey, target uint64) error {
	for attempt := 0; attempt < v.Retries; attempt++ {
		miner, err := v.Reader.GetMiner(ctx, authority)
		if err == nil && miner.CheckpointID >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.Delay):
		}
	}
	return fmt.Errorf("%w: checkpoint id did not reach %d after %d reads", ErrNotReady, target, v.Retries)
}

// ServiceConfig configures the checkpoint service.
type ServiceConfig struct {
	DryRun        bool
	PriorityFee   uint64
	ComputeLimit  uint32
	Verify        VerifyStrategy // nil = NoVerify
	SubmitTimeout time.Duration
}

// Service ensures the wallet's miner is checkpointed, reading the miner
// account and building the checkpoint transaction.
type Service struct {
	coordinator *Coordinator
	reader      MinerReader
	submitter   Submitter
	blockhash   BlockhashSource
	cfg         ServiceConfig
	logger      *slog.Logger
}

// NewService creates a Service.
func NewService(coordinator *Coordinator, reader MinerReader, submitter Submitter, blockhash BlockhashSource, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.Verify == nil {
		cfg.Verify = NoVerify{}
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	return &Service{
		coordinator: coordinator,
		reader:      reader,
		submitter:   submitter,
		blockhash:   blockhash,
		cfg:         cfg,
		logger:      logging.Component(logger, "checkpoint"),
	}
}

// NotifyRoundStart forwards the round transition to the coordinator.
func (s *Service) NotifyRoundStart(roundID uint64) {
	s.coordinator.NotifyRoundStart(roundID)
}

// EnsureReady makes sure the miner may deploy in currentRoundID.
// A wallet without a miner account has nothing to checkpoint.
func (s *Service) EnsureReady(ctx context.Context, currentRoundID uint64) error {
	authority := s.submitter.Authority()
	miner, err := s.reader.GetMiner(ctx, authority)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return s.Ensure(ctx, miner, currentRoundID)
}

// Ensure checkpoints an already-read miner snapshot if needed.
func (s *Service) Ensure(ctx context.Context, miner *domain.Miner, currentRoundID uint64) error {
	if !Needed(miner) {
		return nil
	}
	if s.cfg.DryRun {
		s.logger.Info("dry run: would submit checkpoint", "target", miner.RoundID)
		return nil
	}

	err := s.coordinator.EnsureCheckpoint(ctx, miner, currentRoundID, s.submit)
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return nil
}

func (s *Service) submit(ctx context.Context, target uint64) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	authority := s.submitter.Authority()
	bh, err := s.blockhash.Fresh(ctx)
	if err != nil {
		return fmt.Errorf("blockhash: %w", err)
	}

	ixs := append(ore.ComputeBudget(s.cfg.ComputeLimit, s.cfg.PriorityFee), ore.Checkpoint(authority, target))
	res := s.submitter.Submit(ctx, ixs, bh, chain.SubmitOptions{Await: solana.CommitmentConfirmed})
	if res.Err != nil {
		return fmt.Errorf("submit checkpoint: %w", res.Err)
	}
	if !res.Status.Succeeded() {
		return fmt.Errorf("submit checkpoint: status %s", res.Status)
	}

	if err := s.cfg.Verify.Verify(ctx, authority, target); err != nil {
		return err
	}
	s.logger.Info("checkpoint landed", "target", target, "signature", res.Signature)
	return nil
}
