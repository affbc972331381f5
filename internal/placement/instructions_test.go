package placement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
)

func newTestBuilder(c *fakeChain, limit int) *InstructionBuilder {
	return NewInstructionBuilder(c, testAuthority, InstructionConfig{ComputeUnitLimit: 220_000, PriorityFeeMicroLamports: 150_000}, limit, logging.Discard())
}

func TestInstructionBuilder_Build(t *testing.T) {
	c := newFakeChain()
	b := newTestBuilder(c, 0)

	ixs, err := b.Build(context.Background(), 9, decision(4, 1.5))
	require.NoError(t, err)
	require.Len(t, ixs, 3)
	assert.Equal(t, solana.ComputeBudgetProgramID, ixs[0].ProgramID)
	assert.Equal(t, solana.ComputeBudgetProgramID, ixs[1].ProgramID)
	assert.Equal(t, ore.ProgramID, ixs[2].ProgramID)
	assert.Equal(t, ore.OpDeploy, ixs[2].Data[0])
	assert.Equal(t, ore.RoundPDA(9), ixs[2].Accounts[6].PublicKey)
	assert.Equal(t, testEntropy, ixs[2].Accounts[9].PublicKey)
}

func TestInstructionBuilder_CachesAndEvicts(t *testing.T) {
	c := newFakeChain()
	b := newTestBuilder(c, 2)
	ctx := context.Background()

	first, err := b.Build(ctx, 9, decision(1, 1.5))
	require.NoError(t, err)
	again, err := b.Build(ctx, 9, decision(1, 1.9))
	require.NoError(t, err)
	assert.Same(t, &first[0], &again[0], "same key must return the cached slice")

	_, err = b.Build(ctx, 9, decision(2, 1.5))
	require.NoError(t, err)
	_, err = b.Build(ctx, 9, decision(3, 1.5))
	require.NoError(t, err)
	assert.Equal(t, 2, b.CacheSize())

	b.Clear()
	assert.Zero(t, b.CacheSize())
	assert.Equal(t, 1, c.count("config"), "entropy var is cached across builds")
}

func TestInstructionBuilder_EntropyInvalidation(t *testing.T) {
	c := newFakeChain()
	b := newTestBuilder(c, 0)
	ctx := context.Background()

	_, err := b.EntropyVar(ctx)
	require.NoError(t, err)
	_, err = b.EntropyVar(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.count("config"))

	require.NoError(t, b.RefreshEntropy(ctx))
	assert.Equal(t, 2, c.count("config"))
}

func TestInstructionBuilder_PrepareFailsWholeBatch(t *testing.T) {
	c := newFakeChain()
	c.failConfig = true
	b := newTestBuilder(c, 0)

	prepared := b.Prepare(context.Background(), 9, []domain.PlacementDecision{decision(1, 2), decision(2, 2)})
	assert.Nil(t, prepared)
}

func TestInstructionBuilder_PrepareRespectsLimit(t *testing.T) {
	b := newTestBuilder(newFakeChain(), 2)

	prepared := b.Prepare(context.Background(), 9, []domain.PlacementDecision{decision(1, 2), decision(2, 2), decision(3, 2)})
	require.Len(t, prepared, 2)
	assert.Equal(t, 1, prepared[0].Decision.Square)
	assert.Equal(t, 2, prepared[1].Decision.Square)
}
