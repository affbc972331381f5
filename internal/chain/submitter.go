package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/solana"
)

// Submission defaults.
const (
	DefaultStatusPollInterval = 200 * time.Millisecond
	DefaultConfirmTimeout     = 30 * time.Second
	sendMaxRetries            = 5
)

// SubmitterConfig controls how far a submission is tracked.
type SubmitterConfig struct {
	SkipPreflight bool
	// AwaitConfirmation polls until the transaction is confirmed.
	AwaitConfirmation bool
	// AwaitProcessed polls until the transaction is processed.
	// Ignored when AwaitConfirmation is set.
	AwaitProcessed bool
	// DryRun signs but never sends.
	DryRun         bool
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// SubmitOptions overrides per-call tracking.
type SubmitOptions struct {
	// Await forces waiting for this commitment regardless of configuration.
	Await solana.Commitment
}

// SubmitResult is the outcome of one transaction.
type SubmitResult struct {
	Signature string
	Status    domain.PlacementStatus
	Err       error
}

// Submitter signs and sends transactions with the wallet keypair.
type Submitter struct {
	rpc    solana.RPCClient
	signer solana.Signer
	cfg    SubmitterConfig
	logger *slog.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(rpc solana.RPCClient, signer solana.Signer, cfg SubmitterConfig, logger *slog.Logger) *Submitter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultStatusPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Submitter{
		rpc:    rpc,
		signer: signer,
		cfg:    cfg,
		logger: logging.Component(logger, "submitter"),
	}
}

// Authority returns the signing wallet.
func (s *Submitter) Authority() solana.PublicKey {
	return s.signer.PublicKey()
}

func (s *Submitter) await(opts SubmitOptions) solana.Commitment {
	switch {
	case opts.Await != "":
		return opts.Await
	case s.cfg.AwaitConfirmation:
		return solana.CommitmentConfirmed
	case s.cfg.AwaitProcessed:
		return solana.CommitmentProcessed
	default:
		return ""
	}
}

// Submit signs instructions against blockhash and sends them. The result
// status reflects the configured await level; failures are reported in
// SubmitResult.Err rather than returned.
func (s *Submitter) Submit(ctx context.Context, instructions []solana.Instruction, blockhash *solana.Blockhash, opts SubmitOptions) SubmitResult {
	if blockhash == nil {
		return SubmitResult{Status: domain.PlacementFailed, Err: errors.New("missing blockhash")}
	}

	tx, err := solana.NewSignedTransaction(blockhash.Blockhash, instructions, s.signer)
	if err != nil {
		return SubmitResult{Status: domain.PlacementFailed, Err: fmt.Errorf("sign: %w", err)}
	}

	if s.cfg.DryRun {
		s.logger.Info("dry run: transaction not sent", "signature", tx.Signature(), "instructions", len(instructions))
		return SubmitResult{Signature: tx.Signature(), Status: domain.PlacementSubmitted}
	}

	retries := sendMaxRetries
	sig, err := s.rpc.SendTransaction(ctx, tx.Base64(), solana.SendOptions{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: solana.CommitmentConfirmed,
		MaxRetries:          &retries,
	})
	if err != nil {
		return SubmitResult{Signature: tx.Signature(), Status: domain.PlacementFailed, Err: fmt.Errorf("send: %w", err)}
	}

	target := s.await(opts)
	if target == "" {
		return SubmitResult{Signature: sig, Status: domain.PlacementSubmitted}
	}
	return s.waitFor(ctx, sig, target)
}

// waitFor polls signature status until target commitment, an on-chain
// error or the confirm timeout.
func (s *Submitter) waitFor(ctx context.Context, sig string, target solana.Commitment) SubmitResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		statuses, err := s.rpc.GetSignatureStatuses(ctx, []string{sig})
		if err == nil && len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil {
				return SubmitResult{Signature: sig, Status: domain.PlacementFailed, Err: fmt.Errorf("transaction failed: %v", st.Err)}
			}
			if st.Reached(target) {
				if st.Reached(solana.CommitmentConfirmed) {
					return SubmitResult{Signature: sig, Status: domain.PlacementConfirmed}
				}
				return SubmitResult{Signature: sig, Status: domain.PlacementProcessed}
			}
		}

		select {
		case <-ctx.Done():
			return SubmitResult{Signature: sig, Status: domain.PlacementFailed, Err: fmt.Errorf("await %s: %w", target, ctx.Err())}
		case <-ticker.C:
		}
	}
}

// Simulate runs the instructions through simulateTransaction.
func (s *Submitter) Simulate(ctx context.Context, instructions []solana.Instruction, blockhash *solana.Blockhash) (*solana.SimulationResult, error) {
	if blockhash == nil {
		return nil, errors.New("missing blockhash")
	}
	tx, err := solana.NewSignedTransaction(blockhash.Blockhash, instructions, s.signer)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return s.rpc.SimulateTransaction(ctx, tx.Base64(), solana.CommitmentConfirmed)
}
