// Package signal connects the auto-reply engine to signal-cli's JSON-RPC
// socket: receiving envelopes, sending replies and tracking connectivity.
package signal

import (
	"context"
	"time"
)

// Messenger abstracts the messaging channel.
type Messenger interface {
	// Send sends a message to the specified recipient
	Send(ctx context.Context, recipient string, message string) error

	// SendTypingIndicator shows a composing indicator to the recipient
	SendTypingIndicator(ctx context.Context, recipient string) error

	// MarkRead sends a read receipt for the message sent at sentAt
	MarkRead(ctx context.Context, sender string, sentAt time.Time) error

	// Subscribe returns a channel of incoming messages, closed when the
	// underlying stream ends
	Subscribe(ctx context.Context) (<-chan IncomingMessage, error)
}
