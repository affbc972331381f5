package solana

import "context"

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// AccountSubscribe streams account changes for address.
	// Returns a handle usable with Unsubscribe.
	AccountSubscribe(ctx context.Context, address string, commitment Commitment) (uint64, <-chan AccountNotification, error)

	// SlotSubscribe streams slot changes.
	SlotSubscribe(ctx context.Context) (uint64, <-chan SlotNotification, error)

	// Unsubscribe cancels a subscription and closes its channel.
	Unsubscribe(ctx context.Context, handle uint64) error

	// Close closes the WebSocket connection.
	Close() error
}

// AccountNotification is an account change delivered by accountSubscribe.
type AccountNotification struct {
	Slot    uint64
	Account *AccountInfo
}

// SlotNotification is a slot change delivered by slotSubscribe.
type SlotNotification struct {
	Slot   uint64
	Parent uint64
	Root   uint64
}
