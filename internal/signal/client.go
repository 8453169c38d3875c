package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Receipt types accepted by sendReceipt.
const (
	ReceiptRead   = "read"
	ReceiptViewed = "viewed"
)

// Client represents a Signal client that communicates via JSON-RPC.
type Client interface {
	// Send sends a message to one or more recipients
	Send(ctx context.Context, req *SendRequest) (*SendResponse, error)

	// SendTypingIndicator sends a typing indicator
	SendTypingIndicator(ctx context.Context, recipient string, stop bool) error

	// SendReceipt sends a read or viewed receipt for a message
	SendReceipt(ctx context.Context, recipient string, timestamp int64, receiptType string) error

	// Version asks signal-cli for its version; used as a liveness check
	Version(ctx context.Context) (string, error)

	// Subscribe starts receiving incoming envelopes
	Subscribe(ctx context.Context) (<-chan *Envelope, error)

	// Close closes the client connection
	Close() error
}

// SendRequest represents a request to send a message.
type SendRequest struct {
	Recipients []string `json:"recipient,omitempty"`
	Message    string   `json:"message"`
}

// SendResponse represents the response from a send operation.
type SendResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// Envelope represents an incoming message envelope.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceUUID   string `json:"sourceUuid"`
	SourceName   string `json:"sourceName"`
	SourceDevice int    `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`

	// Message types (only one will be non-nil)
	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	SyncMessage    *SyncMessage    `json:"syncMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
}

// DataMessage represents a standard message.
type DataMessage struct {
	Quote       *Quote       `json:"quote,omitempty"`
	Sticker     *Sticker     `json:"sticker,omitempty"`
	GroupInfo   *GroupInfo   `json:"groupInfo,omitempty"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments"`
	Timestamp   int64        `json:"timestamp"`
}

// Quote is the message a reply refers to.
type Quote struct {
	Author string `json:"author"`
	Text   string `json:"text"`
	ID     int64  `json:"id"`
}

// Sticker identifies a sticker message.
type Sticker struct {
	PackID    string `json:"packId"`
	StickerID int    `json:"stickerId"`
}

// Attachment represents a file attachment.
type Attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
}

// GroupInfo represents group information.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// SyncMessage represents a sync message.
type SyncMessage struct {
	SentMessage *SentSyncMessage `json:"sentMessage,omitempty"`
}

// SentSyncMessage represents a message sent from another of our devices.
type SentSyncMessage struct {
	Destination string `json:"destination"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
}

// TypingMessage represents a typing indicator.
type TypingMessage struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// ReceiptMessage represents a delivery or read receipt.
type ReceiptMessage struct {
	Timestamps []int64 `json:"timestamps"`
	When       int64   `json:"when"`
	IsDelivery bool    `json:"isDelivery"`
	IsRead     bool    `json:"isRead"`
}

// client implements the Client interface.
type client struct {
	transport Transport
	account   string // Optional account for multi-account mode
}

// ClientOption configures the client.
type ClientOption func(*client)

// WithAccount sets the account for multi-account mode.
func WithAccount(account string) ClientOption {
	return func(c *client) {
		c.account = account
	}
}

// NewClient creates a new Signal client.
func NewClient(transport Transport, opts ...ClientOption) Client {
	c := &client{
		transport: transport,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) params(p map[string]any) map[string]any {
	if c.account != "" {
		p["account"] = c.account
	}
	return p
}

// Send implements Client.Send.
func (c *client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrEmptyRecipient
	}

	result, err := c.transport.Call(ctx, "send", c.params(map[string]any{
		"recipient": req.Recipients,
		"message":   req.Message,
	}))
	if err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	if result == nil {
		return nil, errors.New("invalid response: empty result")
	}

	var resp SendResponse
	if err := json.Unmarshal(*result, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Timestamp == 0 {
		return nil, errors.New("invalid response: missing timestamp")
	}
	return &resp, nil
}

// SendTypingIndicator implements Client.SendTypingIndicator.
func (c *client) SendTypingIndicator(ctx context.Context, recipient string, stop bool) error {
	_, err := c.transport.Call(ctx, "sendTyping", c.params(map[string]any{
		"recipient": []string{recipient},
		"stop":      stop,
	}))
	return err
}

// SendReceipt implements Client.SendReceipt.
func (c *client) SendReceipt(ctx context.Context, recipient string, timestamp int64, receiptType string) error {
	_, err := c.transport.Call(ctx, "sendReceipt", c.params(map[string]any{
		"recipient":       []string{recipient},
		"targetTimestamp": timestamp,
		"type":            receiptType,
	}))
	return err
}

// Version implements Client.Version.
func (c *client) Version(ctx context.Context) (string, error) {
	result, err := c.transport.Call(ctx, "version", nil)
	if err != nil {
		return "", fmt.Errorf("version failed: %w", err)
	}
	if result == nil {
		return "", nil
	}

	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(*result, &resp); err != nil {
		return "", fmt.Errorf("failed to parse version: %w", err)
	}
	return resp.Version, nil
}

// Subscribe implements Client.Subscribe.
func (c *client) Subscribe(ctx context.Context) (<-chan *Envelope, error) {
	notifications, err := c.transport.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	envelopes := make(chan *Envelope, 10)
	go c.processNotifications(ctx, notifications, envelopes)
	return envelopes, nil
}

// processNotifications converts "receive" notifications to envelopes until
// the transport or ctx ends.
func (c *client) processNotifications(ctx context.Context, notifications <-chan *Notification, envelopes chan<- *Envelope) {
	defer close(envelopes)

	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-notifications:
			if !ok {
				return
			}
			if notif.Method != "receive" {
				continue
			}
			envelope := parseEnvelope(notif)
			if envelope == nil {
				continue
			}
			select {
			case envelopes <- envelope:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parseEnvelope(notif *Notification) *Envelope {
	var params struct {
		Envelope *Envelope `json:"envelope"`
	}
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		return nil
	}
	return params.Envelope
}

// Close implements Client.Close.
func (c *client) Close() error {
	return c.transport.Close()
}
