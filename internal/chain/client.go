// Package chain adapts the Solana RPC and WebSocket clients to the ORE
// program: typed account reads, subscriptions and cached chain state.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/ore"
	"ore-agent/internal/solana"
)

// ErrAccountNotFound is returned when an account does not exist on-chain.
var ErrAccountNotFound = errors.New("account not found")

// AccountHandler receives raw account data with the slot it was observed at.
type AccountHandler func(slot uint64, data []byte)

// SlotHandler receives slot updates.
type SlotHandler func(slot uint64)

// Client reads ORE accounts over RPC and manages WebSocket subscriptions.
type Client struct {
	rpc        solana.RPCClient
	ws         solana.WSClient // nil disables subscriptions
	commitment solana.Commitment
	logger     *slog.Logger
}

// NewClient creates a Client. ws may be nil for poll-only operation.
func NewClient(rpc solana.RPCClient, ws solana.WSClient, commitment solana.Commitment, logger *slog.Logger) *Client {
	if commitment == "" {
		commitment = solana.CommitmentProcessed
	}
	return &Client{
		rpc:        rpc,
		ws:         ws,
		commitment: commitment,
		logger:     logging.Component(logger, "chain"),
	}
}

// RPC returns the underlying RPC client.
func (c *Client) RPC() solana.RPCClient {
	return c.rpc
}

// Commitment returns the read commitment.
func (c *Client) Commitment() solana.Commitment {
	return c.commitment
}

func (c *Client) account(ctx context.Context, address solana.PublicKey) (*solana.AccountInfo, error) {
	info, err := c.rpc.GetAccountInfo(ctx, address.String(), c.commitment)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, ErrAccountNotFound
	}
	return info, nil
}

// GetBoard reads the board account.
func (c *Client) GetBoard(ctx context.Context) (*domain.Board, uint64, error) {
	info, err := c.account(ctx, ore.BoardPDA())
	if err != nil {
		return nil, 0, fmt.Errorf("get board: %w", err)
	}
	board, err := ore.DecodeBoard(info.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("get board: %w", err)
	}
	return board, info.Slot, nil
}

// GetRound reads the round account and the slot it was read at.
func (c *Client) GetRound(ctx context.Context, id uint64) (*domain.Round, uint64, error) {
	info, err := c.account(ctx, ore.RoundPDA(id))
	if err != nil {
		return nil, 0, fmt.Errorf("get round %d: %w", id, err)
	}
	round, err := ore.DecodeRound(info.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("get round %d: %w", id, err)
	}
	return round, info.Slot, nil
}

// GetMiner reads the miner account of authority.
// Returns ErrAccountNotFound for a wallet that never mined.
func (c *Client) GetMiner(ctx context.Context, authority solana.PublicKey) (*domain.Miner, error) {
	info, err := c.account(ctx, ore.MinerPDA(authority))
	if err != nil {
		return nil, fmt.Errorf("get miner: %w", err)
	}
	miner, err := ore.DecodeMiner(info.Data)
	if err != nil {
		return nil, fmt.Errorf("get miner: %w", err)
	}
	return miner, nil
}

// GetBalance reads the lamport balance of address.
func (c *Client) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	balance, err := c.rpc.GetBalance(ctx, address.String(), c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// GetConfigVar reads the entropy var address from the program config.
func (c *Client) GetConfigVar(ctx context.Context) (solana.PublicKey, error) {
	info, err := c.account(ctx, ore.ConfigPDA())
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("get config: %w", err)
	}
	v, err := ore.DecodeConfigVar(info.Data)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("get config: %w", err)
	}
	return v, nil
}

// GetSlot reads the current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	slot, err := c.rpc.GetSlot(ctx, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

// GetLatestBlockhash reads a recent blockhash at confirmed commitment.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*solana.Blockhash, error) {
	bh, err := c.rpc.GetLatestBlockhash(ctx, solana.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("get blockhash: %w", err)
	}
	return bh, nil
}

// SubscribeAccount invokes handler for every change of address until
// Unsubscribe is called or the connection closes.
func (c *Client) SubscribeAccount(ctx context.Context, address solana.PublicKey, handler AccountHandler) (uint64, error) {
	if c.ws == nil {
		return 0, errors.New("subscribe account: websocket disabled")
	}
	handle, ch, err := c.ws.AccountSubscribe(ctx, address.String(), c.commitment)
	if err != nil {
		return 0, fmt.Errorf("subscribe account %s: %w", address, err)
	}
	go func() {
		for notif := range ch {
			if notif.Account == nil {
				continue
			}
			handler(notif.Slot, notif.Account.Data)
		}
	}()
	return handle, nil
}

// SubscribeSlot invokes handler for every slot notification.
func (c *Client) SubscribeSlot(ctx context.Context, handler SlotHandler) (uint64, error) {
	if c.ws == nil {
		return 0, errors.New("subscribe slot: websocket disabled")
	}
	handle, ch, err := c.ws.SlotSubscribe(ctx)
	if err != nil {
		return 0, fmt.Errorf("subscribe slot: %w", err)
	}
	go func() {
		for notif := range ch {
			handler(notif.Slot)
		}
	}()
	return handle, nil
}

// Unsubscribe releases a subscription handle. Errors are logged, not returned,
// since a dead connection already dropped the subscription.
func (c *Client) Unsubscribe(ctx context.Context, handle uint64) {
	if c.ws == nil || handle == 0 {
		return
	}
	if err := c.ws.Unsubscribe(ctx, handle); err != nil {
		c.logger.Debug("unsubscribe failed", "handle", handle, "error", err)
	}
}
