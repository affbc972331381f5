package solana

import "context"

// RPCClient defines the Solana JSON-RPC HTTP methods the agent uses.
type RPCClient interface {
	// GetAccountInfo retrieves an account with the slot it was read at.
	// Returns nil, nil if the account does not exist.
	GetAccountInfo(ctx context.Context, address string, commitment Commitment) (*AccountInfo, error)

	// GetBalance retrieves the lamport balance of an address.
	GetBalance(ctx context.Context, address string, commitment Commitment) (uint64, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context, commitment Commitment) (uint64, error)

	// GetLatestBlockhash retrieves a recent blockhash for signing.
	GetLatestBlockhash(ctx context.Context, commitment Commitment) (*Blockhash, error)

	// SendTransaction submits a base64 encoded signed transaction and returns its signature.
	SendTransaction(ctx context.Context, encoded string, opts SendOptions) (string, error)

	// SimulateTransaction simulates a base64 encoded transaction.
	SimulateTransaction(ctx context.Context, encoded string, commitment Commitment) (*SimulationResult, error)

	// GetSignatureStatuses retrieves statuses for signatures. Unknown signatures map to nil.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)
}
