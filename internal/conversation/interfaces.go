package conversation

import (
	"context"
	"time"

	"github.com/Veraticus/sapa/internal/matcher"
	"github.com/Veraticus/sapa/internal/queue"
)

// Messenger delivers replies to a sender.
type Messenger interface {
	Send(ctx context.Context, recipient, text string) error
	SendTypingIndicator(ctx context.Context, recipient string) error
}

// RecordStore reads the keyword rules and stores detail submissions.
type RecordStore interface {
	ListAutoReplies(ctx context.Context) ([]matcher.Rule, error)
	InsertReceivedMessage(ctx context.Context, sender, text string, at time.Time) error
}

// Executor runs work serialized per sender. *queue.Dispatcher implements it.
type Executor interface {
	Submit(key string, task queue.Task) error
}

// DeliveryRecorder counts outbound failures. *metrics.Metrics implements it.
type DeliveryRecorder interface {
	IncDeliveryError(op string)
}
