package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ore-agent/internal/solana"
)

// ErrUnavailable is returned by methods configured to fail.
var ErrUnavailable = errors.New("stub rpc unavailable")

// RPCClient implements solana.RPCClient in memory for testing.
type RPCClient struct {
	mu sync.Mutex

	Accounts  map[string]*solana.AccountInfo
	Balances  map[string]uint64
	Slot      uint64
	Blockhash string
	Statuses  map[string]*solana.SignatureStatus
	Simulated *solana.SimulationResult

	// Sent records every submitted transaction payload.
	Sent []string
	// Calls counts invocations per method name.
	Calls map[string]int
	// Fail makes the named methods return ErrUnavailable.
	Fail map[string]bool
	// NextSignature overrides generated signatures when non-empty.
	NextSignature string
}

// Compile-time interface check.
var _ solana.RPCClient = (*RPCClient)(nil)

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Accounts:  make(map[string]*solana.AccountInfo),
		Balances:  make(map[string]uint64),
		Statuses:  make(map[string]*solana.SignatureStatus),
		Calls:     make(map[string]int),
		Fail:      make(map[string]bool),
		Blockhash: "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N",
	}
}

func (c *RPCClient) enter(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls[method]++
	if c.Fail[method] {
		return ErrUnavailable
	}
	return nil
}

// CallCount returns how many times method was invoked.
func (c *RPCClient) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[method]
}

// SetAccount stores raw account data at address.
func (c *RPCClient) SetAccount(address string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts[address] = &solana.AccountInfo{Data: data, Slot: c.Slot}
}

// SetSlot sets the current slot.
func (c *RPCClient) SetSlot(slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Slot = slot
}

// GetAccountInfo returns the stored account or nil.
func (c *RPCClient) GetAccountInfo(_ context.Context, address string, _ solana.Commitment) (*solana.AccountInfo, error) {
	if err := c.enter("getAccountInfo"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.Accounts[address]
	if !ok {
		return nil, nil
	}
	cp := *info
	cp.Data = append([]byte(nil), info.Data...)
	if cp.Slot == 0 {
		cp.Slot = c.Slot
	}
	return &cp, nil
}

// GetBalance returns the stored balance.
func (c *RPCClient) GetBalance(_ context.Context, address string, _ solana.Commitment) (uint64, error) {
	if err := c.enter("getBalance"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Balances[address], nil
}

// GetSlot returns the configured slot.
func (c *RPCClient) GetSlot(_ context.Context, _ solana.Commitment) (uint64, error) {
	if err := c.enter("getSlot"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Slot, nil
}

// GetLatestBlockhash returns the configured blockhash.
func (c *RPCClient) GetLatestBlockhash(_ context.Context, _ solana.Commitment) (*solana.Blockhash, error) {
	if err := c.enter("getLatestBlockhash"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &solana.Blockhash{Blockhash: c.Blockhash, LastValidBlockHeight: c.Slot + 150, Slot: c.Slot}, nil
}

// SendTransaction records the payload and returns a signature.
func (c *RPCClient) SendTransaction(_ context.Context, encoded string, _ solana.SendOptions) (string, error) {
	if err := c.enter("sendTransaction"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, encoded)
	if c.NextSignature != "" {
		return c.NextSignature, nil
	}
	return fmt.Sprintf("sig-%d", len(c.Sent)), nil
}

// SimulateTransaction returns the configured simulation result.
func (c *RPCClient) SimulateTransaction(_ context.Context, _ string, _ solana.Commitment) (*solana.SimulationResult, error) {
	if err := c.enter("simulateTransaction"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Simulated == nil {
		return &solana.SimulationResult{}, nil
	}
	return c.Simulated, nil
}

// GetSignatureStatuses returns stored statuses in request order.
func (c *RPCClient) GetSignatureStatuses(_ context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	if err := c.enter("getSignatureStatuses"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*solana.SignatureStatus, len(signatures))
	for i, sig := range signatures {
		out[i] = c.Statuses[sig]
	}
	return out, nil
}
