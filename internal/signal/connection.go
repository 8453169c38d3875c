package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Veraticus/sapa/internal/events"
)

const (
	// defaultCheckInterval is the default health check interval.
	defaultCheckInterval = 30 * time.Second
	// defaultMaxBackoff is the maximum wait between reconnect attempts.
	defaultMaxBackoff = 5 * time.Minute
	// healthCheckTimeout is the timeout for individual health checks.
	healthCheckTimeout = 10 * time.Second
	// maxReconnectAttempts is the number of attempts before alerting.
	maxReconnectAttempts = 5
	// defaultCallTimeout bounds each outbound call to signal-cli.
	defaultCallTimeout = 15 * time.Second
)

// DialFunc opens a new client session.
type DialFunc func(ctx context.Context) (Client, error)

// UnixDialer returns a DialFunc for signal-cli's JSON-RPC socket.
func UnixDialer(socketPath, account string, logger *slog.Logger) DialFunc {
	return func(ctx context.Context) (Client, error) {
		transport, err := DialUnixSocket(ctx, socketPath, logger)
		if err != nil {
			return nil, err
		}
		var opts []ClientOption
		if account != "" {
			opts = append(opts, WithAccount(account))
		}
		return NewClient(transport, opts...), nil
	}
}

// Connection keeps a client session open, reconnecting with exponential
// backoff whenever the message stream closes or a health check fails.
type Connection struct {
	dial          DialFunc
	events        events.Sink
	messenger     Messenger
	logger        *slog.Logger
	self          string
	checkInterval time.Duration
	maxBackoff    time.Duration
	callTimeout   time.Duration
	mu            sync.RWMutex
	connected     atomic.Bool
	sessions      atomic.Int64
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the connection logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionEvents publishes connectivity changes to sink.
func WithConnectionEvents(sink events.Sink) ConnectionOption {
	return func(c *Connection) {
		if sink != nil {
			c.events = sink
		}
	}
}

// WithSelfNumber sets the bot's own number.
func WithSelfNumber(number string) ConnectionOption {
	return func(c *Connection) {
		c.self = number
	}
}

// WithHealthInterval sets how often a live session is health-checked.
func WithHealthInterval(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		if d > 0 {
			c.checkInterval = d
		}
	}
}

// WithMaxBackoff caps the wait between reconnect attempts.
func WithMaxBackoff(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		if d > 0 {
			c.maxBackoff = d
		}
	}
}

// WithCallTimeout bounds each send, typing indicator and read receipt.
func WithCallTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// NewConnection creates a connection that is not yet running.
func NewConnection(dial DialFunc, opts ...ConnectionOption) *Connection {
	c := &Connection{
		dial:          dial,
		events:        events.Nop,
		logger:        slog.Default(),
		checkInterval: defaultCheckInterval,
		maxBackoff:    defaultMaxBackoff,
		callTimeout:   defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "signal.connection"))
	return c
}

// Connected reports whether a session is currently up.
func (c *Connection) Connected() bool {
	return c.connected.Load()
}

// Reconnects returns how many times a session was re-established.
func (c *Connection) Reconnects() int64 {
	return max(c.sessions.Load()-1, 0)
}

// Run delivers incoming messages until ctx is cancelled. deliver is called
// from the receive goroutine, so a slow deliver holds up every sender.
func (c *Connection) Run(ctx context.Context, deliver func(context.Context, IncomingMessage)) error {
	attempts := 0
	for {
		up, err := c.session(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if up {
			attempts = 0
		}

		backoff := c.calculateBackoff(attempts)
		attempts++
		c.logger.WarnContext(ctx, "signal session ended, reconnecting",
			slog.Any("error", err),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", backoff))
		if attempts >= maxReconnectAttempts {
			c.logger.ErrorContext(ctx, "signal reconnect failed multiple times",
				slog.Int("attempts", attempts),
				slog.String("alert", "manual intervention required"))
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one client session. up reports whether the session got as far
// as subscribing.
func (c *Connection) session(ctx context.Context, deliver func(context.Context, IncomingMessage)) (up bool, err error) {
	client, err := c.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			c.logger.DebugContext(ctx, "close client", slog.Any("error", closeErr))
		}
	}()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewMessenger(client, c.self)
	messages, err := m.Subscribe(subCtx)
	if err != nil {
		return false, err
	}

	c.attach(ctx, m)
	defer c.detach(ctx)

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-messages:
			if !ok {
				return true, ErrDisconnected
			}
			deliver(ctx, msg)
		case <-ticker.C:
			if err := c.healthCheck(ctx, client); err != nil {
				return true, fmt.Errorf("health check: %w", err)
			}
		}
	}
}

func (c *Connection) healthCheck(ctx context.Context, client Client) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, err := client.Version(healthCtx); err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "health check passed")
	return nil
}

func (c *Connection) attach(ctx context.Context, m Messenger) {
	c.mu.Lock()
	c.messenger = m
	c.mu.Unlock()
	c.sessions.Add(1)
	c.setConnected(ctx, true)
}

func (c *Connection) detach(ctx context.Context) {
	c.mu.Lock()
	c.messenger = nil
	c.mu.Unlock()
	c.setConnected(ctx, false)
}

func (c *Connection) setConnected(ctx context.Context, up bool) {
	if c.connected.Swap(up) == up {
		return
	}
	c.logger.InfoContext(ctx, "signal connectivity changed", slog.Bool("connected", up))
	if err := c.events.Publish(context.WithoutCancel(ctx), events.ConnectionChanged(up)); err != nil {
		c.logger.WarnContext(ctx, "publish connectivity event", slog.Any("error", err))
	}
}

// calculateBackoff returns exponential backoff duration.
func (c *Connection) calculateBackoff(attempts int) time.Duration {
	backoff := time.Second
	if attempts > 0 {
		backoff = time.Second * time.Duration(1<<min(attempts, 30)) // 2^attempts seconds
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}

func (c *Connection) current() (Messenger, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.messenger == nil {
		return nil, ErrNotConnected
	}
	return c.messenger, nil
}

// Send sends message over the live session.
func (c *Connection) Send(ctx context.Context, recipient, message string) error {
	m, err := c.current()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return m.Send(ctx, recipient, message)
}

// SendTypingIndicator shows a composing indicator over the live session.
func (c *Connection) SendTypingIndicator(ctx context.Context, recipient string) error {
	m, err := c.current()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return m.SendTypingIndicator(ctx, recipient)
}

// MarkRead sends a read receipt over the live session.
func (c *Connection) MarkRead(ctx context.Context, sender string, sentAt time.Time) error {
	m, err := c.current()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return m.MarkRead(ctx, sender, sentAt)
}
