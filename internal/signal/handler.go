package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/sapa/internal/conversation"
	"github.com/Veraticus/sapa/internal/events"
	"github.com/Veraticus/sapa/internal/queue"
)

// ErrHandlerRunning is returned when Start is called twice.
var ErrHandlerRunning = errors.New("handler already running")

// Link is the live connection the handler reads from.
type Link interface {
	Connected() bool
	MarkRead(ctx context.Context, sender string, sentAt time.Time) error
	Run(ctx context.Context, deliver func(context.Context, IncomingMessage)) error
}

// Processor consumes one inbound message.
type Processor interface {
	HandleMessage(ctx context.Context, msg conversation.InboundMessage) error
}

// Executor runs tasks serialized per key.
type Executor interface {
	Submit(key string, task queue.Task) error
}

// Observer records how long each message took to process.
type Observer interface {
	ObserveHandle(d time.Duration)
}

// Handler filters incoming messages and hands them to the processor through
// the per-sender executor.
type Handler struct {
	link      Link
	processor Processor
	executor  Executor
	events    events.Sink
	observer  Observer
	logger    *slog.Logger
	mu        sync.RWMutex
	running   bool
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithEvents publishes message_received for each accepted message.
func WithEvents(sink events.Sink) HandlerOption {
	return func(h *Handler) {
		if sink != nil {
			h.events = sink
		}
	}
}

// WithObserver records processing durations.
func WithObserver(o Observer) HandlerOption {
	return func(h *Handler) {
		h.observer = o
	}
}

// NewHandler creates a new Signal handler.
func NewHandler(link Link, processor Processor, executor Executor, opts ...HandlerOption) (*Handler, error) {
	if link == nil {
		return nil, errors.New("link is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	h := &Handler{
		link:      link,
		processor: processor,
		executor:  executor,
		events:    events.Nop,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "signal.handler"))
	return h, nil
}

// Start receives messages until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHandlerRunning
	}
	h.running = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	h.logger.InfoContext(ctx, "signal handler started")
	err := h.link.Run(ctx, h.Dispatch)
	h.logger.InfoContext(ctx, "signal handler stopped")
	if err != nil {
		return fmt.Errorf("signal connection: %w", err)
	}
	return nil
}

// Dispatch accepts one incoming message. Messages arriving while the link is
// down, receipts, typing indicators and our own messages are dropped.
// Dispatch only enqueues: the read receipt and the message_received event
// are the first steps of the sender's task.
func (h *Handler) Dispatch(ctx context.Context, msg IncomingMessage) {
	switch {
	case !h.link.Connected():
		h.logger.DebugContext(ctx, "dropping message while disconnected", slog.String("from", msg.Sender))
		return
	case !msg.HasPayload:
		return
	case msg.FromSelf:
		h.logger.DebugContext(ctx, "ignoring own message", slog.String("id", msg.ID))
		return
	}

	h.logger.DebugContext(ctx, "received message",
		slog.String("from", msg.Sender),
		slog.String("kind", msg.Kind.String()),
		slog.Int("text_length", len(msg.Text)))

	inbound := conversation.InboundMessage{
		ReceivedAt: msg.Timestamp,
		ID:         msg.ID,
		Sender:     msg.Sender,
		Text:       msg.Text,
	}
	if err := h.executor.Submit(msg.Sender, func(taskCtx context.Context) {
		h.markRead(taskCtx, msg)
		h.publishReceived(taskCtx, msg)
		h.process(taskCtx, inbound)
	}); err != nil {
		h.logger.ErrorContext(ctx, "failed to enqueue message",
			slog.String("from", msg.Sender),
			slog.Any("error", err))
	}
}

func (h *Handler) markRead(ctx context.Context, msg IncomingMessage) {
	if err := h.link.MarkRead(ctx, msg.Sender, msg.Timestamp); err != nil {
		h.logger.DebugContext(ctx, "mark read failed", slog.String("from", msg.Sender), slog.Any("error", err))
	}
}

func (h *Handler) publishReceived(ctx context.Context, msg IncomingMessage) {
	ev := events.New(events.TypeMessageReceived, conversation.SenderNumber(msg.Sender), msg.Text)
	if err := h.events.Publish(ctx, ev); err != nil {
		h.logger.WarnContext(ctx, "publish message event", slog.Any("error", err))
	}
}

func (h *Handler) process(ctx context.Context, msg conversation.InboundMessage) {
	start := time.Now()
	err := h.processor.HandleMessage(ctx, msg)
	if h.observer != nil {
		h.observer.ObserveHandle(time.Since(start))
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "message handling failed",
			slog.String("from", msg.Sender),
			slog.String("id", msg.ID),
			slog.Any("error", err))
	}
}

// IsRunning returns whether the handler is currently running.
func (h *Handler) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
