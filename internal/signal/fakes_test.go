package signal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/sapa/internal/conversation"
	"github.com/Veraticus/sapa/internal/events"
	"github.com/Veraticus/sapa/internal/queue"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type transportCall struct {
	params map[string]any
	method string
}

// fakeTransport records calls and answers from canned results.
type fakeTransport struct {
	results       map[string]any
	errs          map[string]error
	notifications chan *Notification
	subscribeErr  error
	calls         []transportCall
	mu            sync.Mutex
	closed        bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results:       make(map[string]any),
		errs:          make(map[string]error),
		notifications: make(chan *Notification, 10),
	}
}

func (f *fakeTransport) Call(_ context.Context, method string, params any) (*json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, _ := params.(map[string]any)
	f.calls = append(f.calls, transportCall{method: method, params: p})
	if err := f.errs[method]; err != nil {
		return nil, err
	}
	result, ok := f.results[method]
	if !ok {
		return nil, nil
	}
	data, _ := json.Marshal(result)
	raw := json.RawMessage(data)
	return &raw, nil
}

func (f *fakeTransport) Subscribe(context.Context) (<-chan *Notification, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.notifications, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastCall() transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return transportCall{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeTransport) pushEnvelope(envelope map[string]any) {
	params, _ := json.Marshal(map[string]any{"envelope": envelope})
	f.notifications <- &Notification{JSONRPC: "2.0", Method: "receive", Params: params}
}

// fakeLink feeds queued messages to the deliver callback.
type fakeLink struct {
	markErr   error
	messages  []IncomingMessage
	marked    []string
	mu        sync.Mutex
	connected bool
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) MarkRead(_ context.Context, sender string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, sender)
	return f.markErr
}

func (f *fakeLink) Run(ctx context.Context, deliver func(context.Context, IncomingMessage)) error {
	for _, msg := range f.messages {
		deliver(ctx, msg)
	}
	<-ctx.Done()
	return nil
}

type fakeProcessor struct {
	err      error
	onHandle func(conversation.InboundMessage)
	messages []conversation.InboundMessage
	mu       sync.Mutex
}

func (f *fakeProcessor) HandleMessage(_ context.Context, msg conversation.InboundMessage) error {
	if f.onHandle != nil {
		f.onHandle(msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return f.err
}

func (f *fakeProcessor) handled() []conversation.InboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]conversation.InboundMessage(nil), f.messages...)
}

type syncExecutor struct {
	err  error
	keys []string
}

func (e *syncExecutor) Submit(key string, task queue.Task) error {
	if e.err != nil {
		return e.err
	}
	e.keys = append(e.keys, key)
	task(context.Background())
	return nil
}

type processorFunc func(ctx context.Context, msg conversation.InboundMessage) error

func (f processorFunc) HandleMessage(ctx context.Context, msg conversation.InboundMessage) error {
	return f(ctx, msg)
}

// deferredExecutor holds tasks until the test runs them.
type deferredExecutor struct {
	tasks []queue.Task
}

func (e *deferredExecutor) Submit(_ string, task queue.Task) error {
	e.tasks = append(e.tasks, task)
	return nil
}

type recordingSink struct {
	events []events.Event
	mu     sync.Mutex
}

func (r *recordingSink) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type countingObserver struct {
	count int
}

func (c *countingObserver) ObserveHandle(time.Duration) {
	c.count++
}
