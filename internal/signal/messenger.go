package signal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// messenger implements the Messenger interface using a Signal Client.
type messenger struct {
	client       Client
	subscription *subscription
	selfPhone    string
	mu           sync.Mutex
}

// subscription tracks an active message subscription.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMessenger creates a new Signal messenger. Envelopes whose source is
// selfPhone are flagged FromSelf.
func NewMessenger(client Client, selfPhone string) Messenger {
	return &messenger{
		client:    client,
		selfPhone: selfPhone,
	}
}

// Send sends a message to the specified recipient.
func (m *messenger) Send(ctx context.Context, recipient string, message string) error {
	if recipient == "" {
		return ErrEmptyRecipient
	}
	if message == "" {
		return errors.New("message cannot be empty")
	}

	if _, err := m.client.Send(ctx, &SendRequest{
		Message:    message,
		Recipients: []string{recipient},
	}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendTypingIndicator sends a typing indicator to the recipient.
func (m *messenger) SendTypingIndicator(ctx context.Context, recipient string) error {
	if recipient == "" {
		return ErrEmptyRecipient
	}
	if err := m.client.SendTypingIndicator(ctx, recipient, false); err != nil {
		return fmt.Errorf("failed to send typing indicator: %w", err)
	}
	return nil
}

// MarkRead sends a read receipt for the message sender sent at sentAt.
func (m *messenger) MarkRead(ctx context.Context, sender string, sentAt time.Time) error {
	if sender == "" {
		return ErrEmptyRecipient
	}
	if err := m.client.SendReceipt(ctx, sender, sentAt.UnixMilli(), ReceiptRead); err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// Subscribe returns a channel of incoming messages. A second call replaces
// the first subscription.
func (m *messenger) Subscribe(ctx context.Context) (<-chan IncomingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscription != nil {
		m.subscription.cancel()
		<-m.subscription.done
		m.subscription = nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	envelopes, err := m.client.Subscribe(subCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to messages: %w", err)
	}

	out := make(chan IncomingMessage)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	m.subscription = sub

	go m.runSubscription(subCtx, sub, envelopes, out)
	return out, nil
}

func (m *messenger) runSubscription(ctx context.Context, sub *subscription, envelopes <-chan *Envelope, out chan<- IncomingMessage) {
	defer close(sub.done)
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if env == nil {
				continue
			}
			select {
			case out <- m.convertEnvelope(env):
			case <-ctx.Done():
				return
			}
		}
	}
}

// convertEnvelope converts a Signal envelope to an IncomingMessage. Typing
// indicators and receipts come through with HasPayload unset.
func (m *messenger) convertEnvelope(env *Envelope) IncomingMessage {
	sender := envelopeSource(env)
	msg := IncomingMessage{
		Timestamp: time.UnixMilli(env.Timestamp),
		ID:        strconv.FormatInt(env.Timestamp, 10),
		Sender:    sender,
		Kind:      KindOther,
		FromSelf:  m.selfPhone != "" && (sender == m.selfPhone || env.Source == m.selfPhone),
	}

	switch {
	case env.DataMessage != nil:
		msg.HasPayload = true
		msg.Text = env.DataMessage.Message
		switch {
		case msg.Text == "":
			msg.Kind = KindOther
		case env.DataMessage.Quote != nil:
			msg.Kind = KindExtendedText
		default:
			msg.Kind = KindText
		}
	case env.SyncMessage != nil && env.SyncMessage.SentMessage != nil:
		// Sent from one of our other devices.
		msg.HasPayload = true
		msg.FromSelf = true
		msg.Text = env.SyncMessage.SentMessage.Message
		if msg.Text != "" {
			msg.Kind = KindText
		}
	}
	return msg
}

// envelopeSource returns the address replies should go to.
func envelopeSource(env *Envelope) string {
	switch {
	case env.SourceNumber != "":
		return env.SourceNumber
	case env.Source != "":
		return env.Source
	default:
		return env.SourceUUID
	}
}
