package chain

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
	"ore-agent/internal/solana/stub"
)

func testKeypair(t *testing.T) *solana.Keypair {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	kp, err := solana.NewKeypairFromSecret(ed25519.NewKeyFromSeed(seed))
	require.NoError(t, err)
	return kp
}

func newTestClient() (*Client, *stub.RPCClient, *stub.WSClient) {
	rpc := stub.NewRPCClient()
	ws := stub.NewWSClient()
	return NewClient(rpc, ws, "", logging.Discard()), rpc, ws
}

func TestClient_ReadsAccounts(t *testing.T) {
	client, rpc, _ := newTestClient()
	ctx := context.Background()
	kp := testKeypair(t)

	rpc.SetSlot(500)
	rpc.SetAccount(ore.BoardPDA().String(), ore.EncodeBoard(&domain.Board{RoundID: 9, StartSlot: 100, EndSlot: 250}))
	round := &domain.Round{ID: 9, Motherlode: 42}
	round.Deployed[3] = 1_000
	rpc.SetAccount(ore.RoundPDA(9).String(), ore.EncodeRound(round))
	rpc.SetAccount(ore.MinerPDA(kp.PublicKey()).String(), ore.EncodeMiner(&domain.Miner{CheckpointID: 8, RoundID: 8, RewardsSol: 77}))
	entropy := solana.MustPublicKey("So11111111111111111111111111111111111111112")
	rpc.SetAccount(ore.ConfigPDA().String(), ore.EncodeConfig(entropy))
	rpc.Balances[kp.PublicKey().String()] = 5_000

	board, slot, err := client.GetBoard(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), board.RoundID)
	assert.Equal(t, uint64(500), slot)

	gotRound, _, err := client.GetRound(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), gotRound.Deployed[3])
	assert.Equal(t, uint64(42), gotRound.Motherlode)

	miner, err := client.GetMiner(ctx, kp.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(77), miner.RewardsSol)
	assert.True(t, miner.CheckpointedTo())

	v, err := client.GetConfigVar(ctx)
	require.NoError(t, err)
	assert.Equal(t, entropy, v)

	balance, err := client.GetBalance(ctx, kp.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), balance)
}

func TestClient_MissingAccount(t *testing.T) {
	client, _, _ := newTestClient()

	_, _, err := client.GetRound(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = client.GetMiner(context.Background(), testKeypair(t).PublicKey())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestClient_SubscribeWithoutWebsocket(t *testing.T) {
	client := NewClient(stub.NewRPCClient(), nil, "", logging.Discard())

	_, err := client.SubscribeSlot(context.Background(), func(uint64) {})
	assert.Error(t, err)
	client.Unsubscribe(context.Background(), 3) // no-op
}

func TestBoardWatcher_PublishesUpdates(t *testing.T) {
	client, rpc, ws := newTestClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc.SetSlot(10)
	rpc.SetAccount(ore.BoardPDA().String(), ore.EncodeBoard(&domain.Board{RoundID: 1, StartSlot: 5, EndSlot: 155}))

	w := NewBoardWatcher(client, logging.Discard())
	updates := make(chan BoardSnapshot, 4)
	w.OnBoard(func(s BoardSnapshot) { updates <- s })

	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.WaitForInitialBoard(ctx))
	assert.Equal(t, uint64(1), w.Board().Board.RoundID)
	<-updates

	ws.PushAccount(ore.BoardPDA().String(), 20, ore.EncodeBoard(&domain.Board{RoundID: 2, StartSlot: 160, EndSlot: 310}))

	select {
	case s := <-updates:
		assert.Equal(t, uint64(2), s.Board.RoundID)
		assert.Equal(t, uint64(20), s.Slot)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for board update")
	}

	require.Eventually(t, func() bool {
		return ws.ActiveAccountSubscriptions(ore.RoundPDA(2).String()) == 1
	}, time.Second, 10*time.Millisecond)

	round := &domain.Round{ID: 2}
	round.Deployed[0] = 123
	ws.PushAccount(ore.RoundPDA(2).String(), 21, ore.EncodeRound(round))

	require.Eventually(t, func() bool {
		r := w.Round()
		return r != nil && r.Round.Deployed[0] == 123
	}, time.Second, 10*time.Millisecond)

	w.Stop(ctx)
	assert.Zero(t, ws.ActiveAccountSubscriptions(ore.BoardPDA().String()))
}

func TestBoardWatcher_StaleRoundSubscribeKeepsCurrent(t *testing.T) {
	client, rpc, ws := newTestClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc.SetSlot(10)
	rpc.SetAccount(ore.BoardPDA().String(), ore.EncodeBoard(&domain.Board{RoundID: 1, StartSlot: 5, EndSlot: 155}))

	w := NewBoardWatcher(client, logging.Discard())
	require.NoError(t, w.Start(ctx))
	require.Eventually(t, func() bool {
		return ws.ActiveAccountSubscriptions(ore.RoundPDA(1).String()) == 1
	}, time.Second, 10*time.Millisecond)

	ws.PushAccount(ore.BoardPDA().String(), 20, ore.EncodeBoard(&domain.Board{RoundID: 2, StartSlot: 160, EndSlot: 310}))
	require.Eventually(t, func() bool {
		return ws.ActiveAccountSubscriptions(ore.RoundPDA(2).String()) == 1 &&
			ws.ActiveAccountSubscriptions(ore.RoundPDA(1).String()) == 0
	}, time.Second, 10*time.Millisecond)

	// A late subscriber for round 1 finishing after round 2 took over.
	w.subscribeRound(ctx, 1)

	assert.Equal(t, 1, ws.ActiveAccountSubscriptions(ore.RoundPDA(2).String()))
	assert.Zero(t, ws.ActiveAccountSubscriptions(ore.RoundPDA(1).String()))

	round := &domain.Round{ID: 2}
	round.Deployed[4] = 9
	ws.PushAccount(ore.RoundPDA(2).String(), 21, ore.EncodeRound(round))
	require.Eventually(t, func() bool {
		r := w.Round()
		return r != nil && r.Round.Deployed[4] == 9
	}, time.Second, 10*time.Millisecond)

	w.Stop(ctx)
	assert.Zero(t, ws.ActiveAccountSubscriptions(ore.RoundPDA(2).String()))
}

func TestSlotCache_FollowsPushes(t *testing.T) {
	client, rpc, ws := newTestClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc.SetSlot(1_000)
	c := NewSlotCache(client, logging.Discard())
	c.Start(ctx)
	defer c.Stop(ctx)

	assert.Equal(t, uint64(1_000), c.Cached())

	ws.PushSlot(1_005)
	require.Eventually(t, func() bool { return c.Cached() == 1_005 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1_005), c.Slot(ctx))
}

func TestSlotCache_FallsBackToLastKnown(t *testing.T) {
	client, rpc, _ := newTestClient()
	ctx := context.Background()

	c := NewSlotCache(client, logging.Discard())
	c.set(1_005)

	now := time.Now()
	c.now = func() time.Time { return now.Add(time.Minute) }
	rpc.Fail["getSlot"] = true

	assert.Equal(t, uint64(1_005), c.Slot(ctx))
	assert.Equal(t, 1, rpc.CallCount("getSlot"))
}

func TestSlotCache_StaleRefreshesFromRPC(t *testing.T) {
	client, rpc, _ := newTestClient()
	ctx := context.Background()

	c := NewSlotCache(client, logging.Discard())
	rpc.SetSlot(77)
	assert.Equal(t, uint64(77), c.Slot(ctx))

	// Older slots never move the cache backwards.
	c.set(50)
	assert.Equal(t, uint64(77), c.Cached())
}

func TestBlockhashCache_FreshAndInvalidate(t *testing.T) {
	client, rpc, _ := newTestClient()
	ctx := context.Background()

	c := NewBlockhashCache(client, time.Minute, logging.Discard())

	first, err := c.Fresh(ctx)
	require.NoError(t, err)
	_, err = c.Fresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rpc.CallCount("getLatestBlockhash"))
	assert.Equal(t, rpc.Blockhash, first.Blockhash)

	c.Invalidate()
	_, err = c.Fresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rpc.CallCount("getLatestBlockhash"))

	rpc.Fail["getLatestBlockhash"] = true
	c.Invalidate()
	_, err = c.Fresh(ctx)
	assert.Error(t, err)
}

func testInstructions(t *testing.T, kp *solana.Keypair) []solana.Instruction {
	t.Helper()
	return append(ore.ComputeBudget(200_000, 1), ore.Checkpoint(kp.PublicKey(), 3))
}

func TestSubmitter_FireAndForget(t *testing.T) {
	rpc := stub.NewRPCClient()
	kp := testKeypair(t)
	s := NewSubmitter(rpc, kp, SubmitterConfig{SkipPreflight: true}, logging.Discard())

	res := s.Submit(context.Background(), testInstructions(t, kp), &solana.Blockhash{Blockhash: rpc.Blockhash}, SubmitOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, domain.PlacementSubmitted, res.Status)
	assert.Len(t, rpc.Sent, 1)
	assert.Zero(t, rpc.CallCount("getSignatureStatuses"))
}

func TestSubmitter_AwaitConfirmation(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.NextSignature = "sig-confirmed"
	rpc.Statuses["sig-confirmed"] = &solana.SignatureStatus{ConfirmationStatus: solana.CommitmentConfirmed}
	kp := testKeypair(t)
	s := NewSubmitter(rpc, kp, SubmitterConfig{AwaitConfirmation: true, PollInterval: time.Millisecond}, logging.Discard())

	res := s.Submit(context.Background(), testInstructions(t, kp), &solana.Blockhash{Blockhash: rpc.Blockhash}, SubmitOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, domain.PlacementConfirmed, res.Status)
	assert.Equal(t, "sig-confirmed", res.Signature)
}

func TestSubmitter_AwaitProcessed(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.NextSignature = "sig-processed"
	rpc.Statuses["sig-processed"] = &solana.SignatureStatus{ConfirmationStatus: solana.CommitmentProcessed}
	kp := testKeypair(t)
	s := NewSubmitter(rpc, kp, SubmitterConfig{AwaitProcessed: true, PollInterval: time.Millisecond}, logging.Discard())

	res := s.Submit(context.Background(), testInstructions(t, kp), &solana.Blockhash{Blockhash: rpc.Blockhash}, SubmitOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, domain.PlacementProcessed, res.Status)
}

func TestSubmitter_OnChainError(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.NextSignature = "sig-err"
	rpc.Statuses["sig-err"] = &solana.SignatureStatus{Err: "InstructionError", ConfirmationStatus: solana.CommitmentProcessed}
	kp := testKeypair(t)
	s := NewSubmitter(rpc, kp, SubmitterConfig{PollInterval: time.Millisecond}, logging.Discard())

	res := s.Submit(context.Background(), testInstructions(t, kp), &solana.Blockhash{Blockhash: rpc.Blockhash}, SubmitOptions{Await: solana.CommitmentConfirmed})
	assert.Error(t, res.Err)
	assert.Equal(t, domain.PlacementFailed, res.Status)
}

func TestSubmitter_ConfirmTimeout(t *testing.T) {
	rpc := stub.NewRPCClient()
	kp := testKeypair(t)
	s := NewSubmitter(rpc, kp, SubmitterConfig{
		AwaitConfirmation: true,
		PollInterval:      time.Millisecond,
		ConfirmTimeout:    20 * time.Millisecond,
	}, logging.Discard())

	res := s.Submit(context.Background(), testInstructions(t, kp), &solana.Blockhash{Blockhash: rpc.Blockhash}, SubmitOptions{})
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, domain.PlacementFailed, res.Status)
}

func TestSubmitter_SendFailure(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.Fail["sendTransaction"] = true
	kp := testKeypair(t)
	s := NewSubmitter(rpc, kp, SubmitterConfig{}, logging.Discard())

	res := s.Submit(context.Background(), testInstructions(t, kp), &solana.Blockhash{Blockhash: rpc.Blockhash}, SubmitOptions{})
	assert.ErrorIs(t, res.Err, stub.ErrUnavailable)
	assert.Equal(t, domain.PlacementFailed, res.Status)
	assert.NotEmpty(t, res.Signature)
}

func TestSubmitter_DryRunDoesNotSend(t *testing.T) {
	rpc := stub.NewRPCClient()
	kp := testKeypair(t)
	s := NewSubmitter(rpc, kp, SubmitterConfig{DryRun: true, AwaitConfirmation: true}, logging.Discard())

	res := s.Submit(context.Background(), testInstructions(t, kp), &solana.Blockhash{Blockhash: rpc.Blockhash}, SubmitOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, domain.PlacementSubmitted, res.Status)
	assert.Empty(t, rpc.Sent)
}

func TestSubmitter_Simulate(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.Simulated = &solana.SimulationResult{Logs: []string{"Program log: ok"}}
	kp := testKeypair(t)
	s := NewSubmitter(rpc, kp, SubmitterConfig{}, logging.Discard())

	sim, err := s.Simulate(context.Background(), testInstructions(t, kp), &solana.Blockhash{Blockhash: rpc.Blockhash})
	require.NoError(t, err)
	assert.Equal(t, []string{"Program log: ok"}, sim.Logs)

	_, err = s.Simulate(context.Background(), testInstructions(t, kp), nil)
	assert.Error(t, err)
}
