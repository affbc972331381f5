package placement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
)

// ConfigReader resolves the entropy var from the program config.
type ConfigReader interface {
	GetConfigVar(ctx context.Context) (solana.PublicKey, error)
}

// InstructionConfig sets the compute budget attached to every deploy.
type InstructionConfig struct {
	ComputeUnitLimit         uint32
	PriorityFeeMicroLamports uint64
}

// Prepared is a decision together with its ready-to-sign instructions.
type Prepared struct {
	Decision     domain.PlacementDecision
	Instructions []solana.Instruction
}

// InstructionBuilder builds deploy instructions and caches them by round,
// square, amount and entropy var. Oldest entries are evicted first.
type InstructionBuilder struct {
	reader    ConfigReader
	authority solana.PublicKey
	cfg       InstructionConfig
	limit     int
	logger    *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	entropy solana.PublicKey
	cache   map[string][]solana.Instruction
	order   []string
}

// NewInstructionBuilder creates an InstructionBuilder holding at most limit
// cached entries.
func NewInstructionBuilder(reader ConfigReader, authority solana.PublicKey, cfg InstructionConfig, limit int, logger *slog.Logger) *InstructionBuilder {
	if limit <= 0 {
		limit = ore.InstructionCacheLimit
	}
	return &InstructionBuilder{
		reader:    reader,
		authority: authority,
		cfg:       cfg,
		limit:     limit,
		logger:    logging.Component(logger, "instructions"),
		cache:     make(map[string][]solana.Instruction),
	}
}

// EntropyVar returns the cached entropy var, reading the config on a miss.
func (b *InstructionBuilder) EntropyVar(ctx context.Context) (solana.PublicKey, error) {
	b.mu.Lock()
	v := b.entropy
	b.mu.Unlock()
	if !v.IsZero() {
		return v, nil
	}

	res, err, _ := b.group.Do("entropy", func() (interface{}, error) {
		v, err := b.reader.GetConfigVar(ctx)
		if err != nil {
			return solana.PublicKey{}, err
		}
		b.mu.Lock()
		b.entropy = v
		b.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("resolve entropy var: %w", err)
	}
	return res.(solana.PublicKey), nil
}

// InvalidateEntropy forgets the entropy var so the next build re-reads it.
func (b *InstructionBuilder) InvalidateEntropy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entropy = solana.PublicKey{}
}

// RefreshEntropy re-reads the entropy var.
func (b *InstructionBuilder) RefreshEntropy(ctx context.Context) error {
	b.InvalidateEntropy()
	_, err := b.EntropyVar(ctx)
	return err
}

// Build returns the compute budget and deploy instructions for d.
func (b *InstructionBuilder) Build(ctx context.Context, roundID uint64, d domain.PlacementDecision) ([]solana.Instruction, error) {
	entropy, err := b.EntropyVar(ctx)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%d:%d:%d:%s", roundID, d.Square, d.AmountLamports, entropy)
	b.mu.Lock()
	cached, ok := b.cache[key]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	deploy, err := ore.Deploy(ore.DeployParams{
		Executor:       b.authority,
		Authority:      b.authority,
		RoundID:        roundID,
		AmountLamports: d.AmountLamports,
		Squares:        []int{d.Square},
		EntropyVar:     entropy,
	})
	if err != nil {
		return nil, fmt.Errorf("build deploy for square %d: %w", d.Square, err)
	}
	ixs := append(ore.ComputeBudget(b.cfg.ComputeUnitLimit, b.cfg.PriorityFeeMicroLamports), deploy)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cache[key]; !ok {
		b.cache[key] = ixs
		b.order = append(b.order, key)
		for len(b.order) > b.limit {
			delete(b.cache, b.order[0])
			b.order = b.order[1:]
		}
	}
	return ixs, nil
}

// Prepare builds instructions for up to limit decisions. Any failure
// discards the whole batch.
func (b *InstructionBuilder) Prepare(ctx context.Context, roundID uint64, decisions []domain.PlacementDecision) []Prepared {
	n := len(decisions)
	if n > b.limit {
		n = b.limit
	}
	out := make([]Prepared, 0, n)
	for _, d := range decisions[:n] {
		ixs, err := b.Build(ctx, roundID, d)
		if err != nil {
			b.logger.Error("failed to prepare placement", "round", roundID, "square", d.Square+1, "error", err)
			return nil
		}
		out = append(out, Prepared{Decision: d, Instructions: ixs})
	}
	return out
}

// CacheSize returns the number of cached instruction sets.
func (b *InstructionBuilder) CacheSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}

// Clear drops every cached instruction set.
func (b *InstructionBuilder) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[string][]solana.Instruction)
	b.order = nil
}
