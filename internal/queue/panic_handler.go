package queue

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// PanicHandler defines how to handle a task that panicked.
type PanicHandler interface {
	// HandlePanic is called with the recovered value after a task panics.
	HandlePanic(conversationID string, panicValue any, stackTrace []byte)
}

// DefaultPanicHandler logs panics with stack traces.
type DefaultPanicHandler struct {
	logger *slog.Logger
}

// NewDefaultPanicHandler returns the default panic handler.
func NewDefaultPanicHandler(logger *slog.Logger) *DefaultPanicHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultPanicHandler{logger: logger}
}

// HandlePanic logs the panic with its stack trace.
func (h *DefaultPanicHandler) HandlePanic(conversationID string, panicValue any, stackTrace []byte) {
	h.logger.ErrorContext(context.Background(), "PANIC in conversation task",
		slog.String("conversation_id", conversationID),
		slog.Any("panic", panicValue),
		slog.String("stack_trace", string(stackTrace)))
}

// MetricsPanicHandler can be used to track panic metrics.
type MetricsPanicHandler struct {
	wrapped PanicHandler
	onPanic func(conversationID string, panicValue any)
}

// NewMetricsPanicHandler wraps another handler to add metrics tracking.
func NewMetricsPanicHandler(wrapped PanicHandler, onPanic func(string, any)) *MetricsPanicHandler {
	return &MetricsPanicHandler{
		wrapped: wrapped,
		onPanic: onPanic,
	}
}

// HandlePanic calls the metrics callback and delegates to the wrapped handler.
func (h *MetricsPanicHandler) HandlePanic(conversationID string, panicValue any, stackTrace []byte) {
	if h.onPanic != nil {
		h.onPanic(conversationID, panicValue)
	}
	if h.wrapped != nil {
		h.wrapped.HandlePanic(conversationID, panicValue, stackTrace)
	}
}

// runRecovered runs task and reports a panic to handler instead of crashing.
func runRecovered(ctx context.Context, conversationID string, task Task, handler PanicHandler) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			handler.HandlePanic(conversationID, r, debug.Stack())
		}
	}()
	task(ctx)
	return false
}
