// Package queue serializes work per conversation while letting different
// conversations run in parallel.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// DefaultMaxConcurrent bounds how many conversations run a task at once.
const DefaultMaxConcurrent = 16

// Dispatcher runs submitted tasks one at a time per conversation key, in
// submission order. Each key with pending work gets its own drain goroutine,
// which exits once the key's queue is empty.
type Dispatcher struct {
	ctx          context.Context
	cancel       context.CancelFunc
	queues       map[string]*ConversationQueue
	sem          chan struct{}
	panicHandler PanicHandler
	logger       *slog.Logger
	wg           sync.WaitGroup
	mu           sync.Mutex
	stopped      bool
}

// Option configures a Dispatcher.
type Option func(*dispatcherOptions)

type dispatcherOptions struct {
	maxConcurrent int
	panicHandler  PanicHandler
	logger        *slog.Logger
}

// WithMaxConcurrent bounds the number of conversations processed in parallel.
func WithMaxConcurrent(n int) Option {
	return func(o *dispatcherOptions) {
		o.maxConcurrent = n
	}
}

// WithPanicHandler sets the handler called when a task panics.
func WithPanicHandler(h PanicHandler) Option {
	return func(o *dispatcherOptions) {
		o.panicHandler = h
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// NewDispatcher creates a dispatcher whose tasks receive a context derived
// from ctx.
func NewDispatcher(ctx context.Context, opts ...Option) *Dispatcher {
	o := dispatcherOptions{
		maxConcurrent: DefaultMaxConcurrent,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConcurrent <= 0 {
		o.maxConcurrent = DefaultMaxConcurrent
	}
	logger := o.logger.With(slog.String("component", "queue.dispatcher"))
	if o.panicHandler == nil {
		o.panicHandler = NewDefaultPanicHandler(logger)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		ctx:          ctx,
		cancel:       cancel,
		queues:       make(map[string]*ConversationQueue),
		sem:          make(chan struct{}, o.maxConcurrent),
		panicHandler: o.panicHandler,
		logger:       logger,
	}
}

// Submit appends task to the queue for key. Tasks for the same key never run
// concurrently and run in the order they were submitted.
func (d *Dispatcher) Submit(key string, task Task) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrQueueStopped
	}

	q, exists := d.queues[key]
	if !exists {
		q = NewConversationQueue(key)
	}
	if err := q.Enqueue(task); err != nil {
		return err
	}
	if !exists {
		d.queues[key] = q
		d.wg.Add(1)
		go d.drain(q)
	}
	return nil
}

// drain runs the queue's tasks until it is empty, then retires the queue.
// Emptiness is checked under d.mu so a concurrent Submit either lands in this
// queue before it is retired or creates a fresh one.
func (d *Dispatcher) drain(q *ConversationQueue) {
	defer d.wg.Done()
	key := q.ConversationID()

	for {
		d.mu.Lock()
		task := q.Dequeue()
		if task == nil {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		if !d.acquire() {
			q.Complete()
			d.abandon(q)
			return
		}
		runRecovered(d.ctx, key, task, d.panicHandler)
		d.release()
		q.Complete()
	}
}

func (d *Dispatcher) acquire() bool {
	if d.ctx.Err() != nil {
		return false
	}
	select {
	case d.sem <- struct{}{}:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Dispatcher) release() {
	<-d.sem
}

// abandon drops a queue's remaining work after shutdown began.
func (d *Dispatcher) abandon(q *ConversationQueue) {
	d.mu.Lock()
	dropped := q.Drop() + 1
	delete(d.queues, q.ConversationID())
	d.mu.Unlock()

	d.logger.Warn("dropping queued tasks on shutdown",
		slog.String("conversation_id", q.ConversationID()),
		slog.Int("dropped", dropped))
}

// ActiveConversations returns the number of keys with queued or running work.
func (d *Dispatcher) ActiveConversations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Shutdown stops accepting tasks, cancels the task context and waits for
// running tasks to return or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting tasks and waits for every queued task to finish
// without cancelling their context.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
