package stub

import (
	"context"
	"sync"

	"ore-agent/internal/solana"
)

// WSClient implements solana.WSClient in memory for testing.
// Notifications are pushed by the test through PushAccount and PushSlot.
type WSClient struct {
	mu      sync.Mutex
	next    uint64
	account map[uint64]wsAccountSub
	slot    map[uint64]chan solana.SlotNotification
	closed  bool

	// FailSubscribe makes every subscribe call return ErrUnavailable.
	FailSubscribe bool
	// Subscribed records every subscribed account address in order.
	Subscribed []string
	// Unsubscribed records every released handle.
	Unsubscribed []uint64
}

type wsAccountSub struct {
	address string
	ch      chan solana.AccountNotification
}

// Compile-time interface check.
var _ solana.WSClient = (*WSClient)(nil)

// NewWSClient creates a new stub WebSocket client.
func NewWSClient() *WSClient {
	return &WSClient{
		account: make(map[uint64]wsAccountSub),
		slot:    make(map[uint64]chan solana.SlotNotification),
	}
}

// AccountSubscribe registers a subscription on address.
func (c *WSClient) AccountSubscribe(_ context.Context, address string, _ solana.Commitment) (uint64, <-chan solana.AccountNotification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSubscribe || c.closed {
		return 0, nil, ErrUnavailable
	}
	c.next++
	ch := make(chan solana.AccountNotification, 16)
	c.account[c.next] = wsAccountSub{address: address, ch: ch}
	c.Subscribed = append(c.Subscribed, address)
	return c.next, ch, nil
}

// SlotSubscribe registers a slot subscription.
func (c *WSClient) SlotSubscribe(_ context.Context) (uint64, <-chan solana.SlotNotification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSubscribe || c.closed {
		return 0, nil, ErrUnavailable
	}
	c.next++
	ch := make(chan solana.SlotNotification, 16)
	c.slot[c.next] = ch
	return c.next, ch, nil
}

// Unsubscribe closes the subscription channel. Unknown handles are a no-op.
func (c *WSClient) Unsubscribe(_ context.Context, handle uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.account[handle]; ok {
		close(sub.ch)
		delete(c.account, handle)
		c.Unsubscribed = append(c.Unsubscribed, handle)
	}
	if ch, ok := c.slot[handle]; ok {
		close(ch)
		delete(c.slot, handle)
		c.Unsubscribed = append(c.Unsubscribed, handle)
	}
	return nil
}

// Close closes every open subscription.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for h, sub := range c.account {
		close(sub.ch)
		delete(c.account, h)
	}
	for h, ch := range c.slot {
		close(ch)
		delete(c.slot, h)
	}
	return nil
}

// PushAccount delivers data to every subscriber of address.
func (c *WSClient) PushAccount(address string, slot uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.account {
		if sub.address != address {
			continue
		}
		sub.ch <- solana.AccountNotification{
			Slot:    slot,
			Account: &solana.AccountInfo{Slot: slot, Data: append([]byte(nil), data...)},
		}
	}
}

// PushSlot delivers a slot notification to every slot subscriber.
func (c *WSClient) PushSlot(slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.slot {
		ch <- solana.SlotNotification{Slot: slot, Parent: slot - 1}
	}
}

// ActiveAccountSubscriptions returns how many subscriptions exist on address.
func (c *WSClient) ActiveAccountSubscriptions(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sub := range c.account {
		if sub.address == address {
			n++
		}
	}
	return n
}
