package signal

import (
	"context"
	"encoding/json"
)

// Transport represents the underlying connection to signal-cli.
type Transport interface {
	// Call makes a JSON-RPC call
	Call(ctx context.Context, method string, params any) (*json.RawMessage, error)

	// Subscribe starts receiving notifications. The channel is closed when
	// the connection drops.
	Subscribe(ctx context.Context) (<-chan *Notification, error)

	// Close closes the transport
	Close() error
}

// Notification represents a JSON-RPC notification.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}
