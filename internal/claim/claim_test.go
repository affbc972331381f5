package claim

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
)

type fakeReader struct {
	miner *domain.Miner
	err   error
}

func (f *fakeReader) GetMiner(context.Context, solana.PublicKey) (*domain.Miner, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.miner
	return &cp, nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	result chain.SubmitResult
	sent   [][]solana.Instruction
}

func (f *fakeSubmitter) Authority() solana.PublicKey { return solana.SystemProgramID }

func (f *fakeSubmitter) Submit(_ context.Context, ixs []solana.Instruction, _ *solana.Blockhash, opts chain.SubmitOptions) chain.SubmitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ixs)
	return f.result
}

type fakeBlockhash struct{ err error }

func (f fakeBlockhash) Fresh(context.Context) (*solana.Blockhash, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &solana.Blockhash{Blockhash: "11111111111111111111111111111111"}, nil
}

type fakeListener struct {
	sol, ore uint64
	calls    int
}

func (f *fakeListener) HandleClaimed(sol, ore uint64) {
	f.sol, f.ore = sol, ore
	f.calls++
}

func confirmed() chain.SubmitResult {
	return chain.SubmitResult{Signature: "sig", Status: domain.PlacementConfirmed}
}

func newService(reader MinerReader, sub *fakeSubmitter, listener ClaimListener, cfg Config) *Service {
	return NewService(reader, sub, fakeBlockhash{}, listener, nil, cfg, logging.Discard())
}

func TestMaybeClaim_Disabled(t *testing.T) {
	reader := &fakeReader{err: errors.New("must not be read")}
	sub := &fakeSubmitter{}
	svc := newService(reader, sub, nil, Config{})

	got, err := svc.MaybeClaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.False(t, svc.Enabled())
	assert.Empty(t, sub.sent)
}

func TestMaybeClaim_BelowThreshold(t *testing.T) {
	reader := &fakeReader{miner: &domain.Miner{RewardsSol: 99}}
	sub := &fakeSubmitter{result: confirmed()}
	svc := newService(reader, sub, nil, Config{ThresholdLamports: 100})

	got, err := svc.MaybeClaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Empty(t, sub.sent)
}

func TestMaybeClaim_ClaimsAndNotifiesListener(t *testing.T) {
	reader := &fakeReader{miner: &domain.Miner{RoundID: 4, RewardsSol: 250}}
	sub := &fakeSubmitter{result: confirmed()}
	listener := &fakeListener{}
	svc := newService(reader, sub, listener, Config{ThresholdLamports: 100, ComputeLimit: 50_000})

	got, err := svc.MaybeClaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(250), got)

	require.Len(t, sub.sent, 1)
	ixs := sub.sent[0]
	require.Len(t, ixs, 2)
	assert.Equal(t, []byte{ore.OpClaimSol}, ixs[1].Data)
	assert.Equal(t, 1, listener.calls)
	assert.Equal(t, uint64(250), listener.sol)
}

func TestMaybeClaim_SubmitFailure(t *testing.T) {
	reader := &fakeReader{miner: &domain.Miner{RewardsSol: 500}}
	sub := &fakeSubmitter{result: chain.SubmitResult{Status: domain.PlacementFailed, Err: errors.New("rejected")}}
	listener := &fakeListener{}
	svc := newService(reader, sub, listener, Config{ThresholdLamports: 100})

	got, err := svc.MaybeClaim(context.Background())
	require.Error(t, err)
	assert.Zero(t, got)
	assert.Zero(t, listener.calls)
}

func TestMaybeClaim_NoMinerAccount(t *testing.T) {
	reader := &fakeReader{err: chain.ErrAccountNotFound}
	svc := newService(reader, &fakeSubmitter{}, nil, Config{ThresholdLamports: 1})

	got, err := svc.MaybeClaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestMaybeClaim_DryRun(t *testing.T) {
	reader := &fakeReader{miner: &domain.Miner{RewardsSol: 500}}
	sub := &fakeSubmitter{result: confirmed()}
	svc := newService(reader, sub, nil, Config{ThresholdLamports: 100, DryRun: true})

	got, err := svc.MaybeClaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Empty(t, sub.sent)
}
