package placement

import (
	"context"
	"errors"
	"sync"
	"time"

	"ore-agent/internal/chain"
	"ore-agent/internal/domain"
	"ore-agent/internal/solana"
	"ore-agent/internal/stream"
)

var (
	testAuthority = solana.MustPublicKey("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	testEntropy   = solana.MustPublicKey("So11111111111111111111111111111111111111112")
	errFake       = errors.New("fake failure")
)

type fakeChain struct {
	mu         sync.Mutex
	board      *domain.Board
	rounds     map[uint64]*domain.Round
	miner      *domain.Miner
	balance    uint64
	entropy    solana.PublicKey
	failConfig bool
	failRound  bool
	calls      map[string]int
	gate       chan struct{}
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		rounds:  make(map[uint64]*domain.Round),
		miner:   &domain.Miner{RoundID: 1, CheckpointID: 1},
		balance: 10_000_000_000,
		entropy: testEntropy,
		calls:   make(map[string]int),
	}
}

func (f *fakeChain) hit(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.gate
}

func (f *fakeChain) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeChain) GetBoard(context.Context) (*domain.Board, uint64, error) {
	f.hit("board")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.board == nil {
		return nil, 0, chain.ErrAccountNotFound
	}
	b := *f.board
	return &b, 0, nil
}

func (f *fakeChain) GetRound(_ context.Context, id uint64) (*domain.Round, uint64, error) {
	if gate := f.hit("round"); gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[id]
	if !ok || f.failRound {
		return nil, 0, chain.ErrAccountNotFound
	}
	return r.Clone(), 100, nil
}

func (f *fakeChain) GetMiner(context.Context, solana.PublicKey) (*domain.Miner, error) {
	f.hit("miner")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.miner == nil {
		return nil, chain.ErrAccountNotFound
	}
	m := *f.miner
	return &m, nil
}

func (f *fakeChain) GetBalance(context.Context, solana.PublicKey) (uint64, error) {
	f.hit("balance")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeChain) GetConfigVar(context.Context) (solana.PublicKey, error) {
	f.hit("config")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConfig {
		return solana.PublicKey{}, errFake
	}
	return f.entropy, nil
}

func (f *fakeChain) GetLatestBlockhash(context.Context) (*solana.Blockhash, error) {
	f.hit("latest")
	return &solana.Blockhash{Blockhash: "latest"}, nil
}

type fakeSender struct {
	mu        sync.Mutex
	fail      map[int]bool // by square
	submitted []int
	simulated int
}

func (s *fakeSender) Submit(_ context.Context, ixs []solana.Instruction, _ *solana.Blockhash, _ chain.SubmitOptions) chain.SubmitResult {
	deploy := ixs[len(ixs)-1]
	mask := uint32(deploy.Data[9]) | uint32(deploy.Data[10])<<8 | uint32(deploy.Data[11])<<16 | uint32(deploy.Data[12])<<24
	square := 0
	for mask > 1 {
		mask >>= 1
		square++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, square)
	if s.fail[square] {
		return chain.SubmitResult{Status: domain.PlacementFailed, Err: errFake}
	}
	return chain.SubmitResult{Signature: "sig", Status: domain.PlacementSubmitted}
}

func (s *fakeSender) Simulate(context.Context, []solana.Instruction, *solana.Blockhash) (*solana.SimulationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulated++
	return &solana.SimulationResult{Err: "custom program error", Logs: []string{"log"}}, nil
}

type fakeBlockhash struct{ err error }

func (f fakeBlockhash) Fresh(context.Context) (*solana.Blockhash, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &solana.Blockhash{Blockhash: "cached"}, nil
}

type fakeSlots struct {
	mu   sync.Mutex
	slot uint64
}

func (s *fakeSlots) Slot(context.Context) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot
}

func (s *fakeSlots) set(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = v
}

type fakePrice struct{ quote *domain.PriceQuote }

func (p fakePrice) Price() *domain.PriceQuote { return p.quote }

func testQuote() *domain.PriceQuote {
	return &domain.PriceQuote{SolPerOre: 2, NetSolPerOre: 1.8, FetchedAt: time.Now()}
}

// fakeStream serves a fixed snapshot and decision list.
type fakeStream struct {
	mu        sync.Mutex
	healthy   bool
	age       time.Duration
	round     *domain.Round
	sc        stream.Context
	decisions []domain.PlacementDecision
	refresh   time.Duration
}

func (s *fakeStream) IsHealthy() bool { return s.healthy }
func (s *fakeStream) CacheAge() time.Duration { return s.age }
func (s *fakeStream) Round() *domain.Round { return s.round.Clone() }
func (s *fakeStream) Context() (stream.Context, bool) {
	return s.sc, s.healthy
}
func (s *fakeStream) LastRefreshDuration() time.Duration { return s.refresh }

func (s *fakeStream) AllDecisions() []domain.PlacementDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PlacementDecision(nil), s.decisions...)
}

func (s *fakeStream) ConsumeDecision() (domain.PlacementDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.decisions) == 0 {
		return domain.PlacementDecision{}, false
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return d, true
}

func decision(square int, ev float64) domain.PlacementDecision {
	return domain.PlacementDecision{Square: square, AmountLamports: 10_000_000, EVRatio: ev}
}

func preparedFor(squares ...int) []Prepared {
	out := make([]Prepared, 0, len(squares))
	for _, sq := range squares {
		out = append(out, Prepared{Decision: decision(sq, 1.5)})
	}
	return out
}
