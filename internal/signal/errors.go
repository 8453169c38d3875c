package signal

import (
	"encoding/json"
	"errors"
	"strconv"
)

var (
	// ErrNotConnected is returned by outbound calls while no transport is up.
	ErrNotConnected = errors.New("signal transport not connected")

	// ErrTransportClosed is returned for calls pending when the socket closed.
	ErrTransportClosed = errors.New("signal transport closed")

	// ErrDisconnected ends a connection session whose message stream closed.
	ErrDisconnected = errors.New("signal message stream closed")

	// ErrEmptyRecipient is returned when sending without a recipient.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)

// RPCError represents a JSON-RPC error returned by signal-cli.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return "RPC error " + strconv.Itoa(e.Code) + ": " + e.Message
}
