package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/ore"
)

// BoardSnapshot is a decoded board with the slot it was observed at.
type BoardSnapshot struct {
	Board *domain.Board
	Slot  uint64
}

// RoundSnapshot is a decoded round with the slot it was observed at.
type RoundSnapshot struct {
	Round      *domain.Round
	Slot       uint64
	ReceivedAt time.Time
}

// BoardWatcher keeps the latest board and active round pushed by the
// WebSocket subscription.
type BoardWatcher struct {
	client *Client
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	board       *BoardSnapshot
	round       *RoundSnapshot
	roundID     uint64
	boardHandle uint64
	roundHandle uint64
	handlers    []func(BoardSnapshot)
	started     bool

	initial     chan struct{}
	initialOnce sync.Once
}

// NewBoardWatcher creates a BoardWatcher.
func NewBoardWatcher(client *Client, logger *slog.Logger) *BoardWatcher {
	return &BoardWatcher{
		client:  client,
		logger:  logging.Component(logger, "board-watcher"),
		now:     time.Now,
		initial: make(chan struct{}),
	}
}

// OnBoard registers a handler invoked with every board update.
// Handlers run on the subscription goroutine and must not block.
func (w *BoardWatcher) OnBoard(fn func(BoardSnapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Start seeds the board over RPC and subscribes to board changes.
func (w *BoardWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	board, slot, err := w.client.GetBoard(ctx)
	if err != nil {
		return fmt.Errorf("seed board: %w", err)
	}
	w.apply(ctx, board, slot)

	handle, err := w.client.SubscribeAccount(ctx, ore.BoardPDA(), func(slot uint64, data []byte) {
		b, err := ore.DecodeBoard(data)
		if err != nil {
			w.logger.Warn("failed to decode board update", "error", err)
			return
		}
		w.apply(ctx, b, slot)
	})
	if err != nil {
		return fmt.Errorf("subscribe board: %w", err)
	}

	w.mu.Lock()
	w.boardHandle = handle
	w.mu.Unlock()
	return nil
}

// Stop releases all subscriptions.
func (w *BoardWatcher) Stop(ctx context.Context) {
	w.mu.Lock()
	boardHandle, roundHandle := w.boardHandle, w.roundHandle
	w.boardHandle, w.roundHandle = 0, 0
	w.started = false
	w.mu.Unlock()

	w.client.Unsubscribe(ctx, boardHandle)
	w.client.Unsubscribe(ctx, roundHandle)
}

// Board returns the latest board snapshot, or nil before the first update.
func (w *BoardWatcher) Board() *BoardSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.board
}

// Round returns the latest snapshot of the active round, or nil.
func (w *BoardWatcher) Round() *RoundSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.round
}

// WaitForInitialBoard blocks until the first board is known.
func (w *BoardWatcher) WaitForInitialBoard(ctx context.Context) error {
	select {
	case <-w.initial:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *BoardWatcher) apply(ctx context.Context, board *domain.Board, slot uint64) {
	snap := BoardSnapshot{Board: board, Slot: slot}

	w.mu.Lock()
	w.board = &snap
	newRound := w.roundID != board.RoundID
	if newRound {
		w.roundID = board.RoundID
		w.round = nil
	}
	handlers := append(([]func(BoardSnapshot))(nil), w.handlers...)
	w.mu.Unlock()

	w.initialOnce.Do(func() { close(w.initial) })

	for _, fn := range handlers {
		fn(snap)
	}
	if newRound {
		go w.subscribeRound(ctx, board.RoundID)
	}
}

// subscribeRound moves the round subscription to roundID. A call for a
// round the board has already left does nothing, so a slow call can never
// drop the subscription of a newer round.
func (w *BoardWatcher) subscribeRound(ctx context.Context, roundID uint64) {
	w.mu.Lock()
	if w.roundID != roundID {
		w.mu.Unlock()
		return
	}
	old := w.roundHandle
	w.roundHandle = 0
	w.mu.Unlock()
	w.client.Unsubscribe(ctx, old)

	if round, slot, err := w.client.GetRound(ctx, roundID); err == nil {
		w.setRound(roundID, round, slot)
	} else {
		w.logger.Debug("round not readable yet", "round", roundID, "error", err)
	}
	if !w.isCurrent(roundID) {
		return
	}

	handle, err := w.client.SubscribeAccount(ctx, ore.RoundPDA(roundID), func(slot uint64, data []byte) {
		round, err := ore.DecodeRound(data)
		if err != nil {
			w.logger.Warn("failed to decode round update", "round", roundID, "error", err)
			return
		}
		w.setRound(roundID, round, slot)
	})
	if err != nil {
		w.logger.Warn("round subscription failed", "round", roundID, "error", err)
		return
	}

	w.mu.Lock()
	if w.roundID != roundID || !w.started {
		// Board moved on or the watcher stopped while subscribing.
		w.mu.Unlock()
		w.client.Unsubscribe(ctx, handle)
		return
	}
	w.roundHandle = handle
	w.mu.Unlock()
}

func (w *BoardWatcher) isCurrent(roundID uint64) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.roundID == roundID
}

func (w *BoardWatcher) setRound(roundID uint64, round *domain.Round, slot uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.roundID != roundID {
		return
	}
	if w.round != nil && slot < w.round.Slot {
		return
	}
	w.round = &RoundSnapshot{Round: round, Slot: slot, ReceivedAt: w.now()}
}
