// Package idle arms, rearms and cancels per-conversation inactivity timers.
package idle

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultWindow is the default inactivity window after which a conversation
// is retired.
const DefaultWindow = 60 * time.Second

// Handle identifies one armed timer. A newer Arm for the same sender
// produces a different Handle, which makes older handles stale.
type Handle struct {
	Sender string
	seq    uint64
}

// IsZero reports whether h refers to no timer.
func (h Handle) IsZero() bool {
	return h.seq == 0
}

// ExpireFunc is invoked when an armed timer fires. It runs on the timer's own
// goroutine, never for a cancelled or superseded handle.
type ExpireFunc func(Handle)

type entry struct {
	handle Handle
	timer  Timer
}

// Manager keeps at most one pending timer per sender.
type Manager struct {
	clock  Clock
	logger *slog.Logger
	timers map[string]entry
	seq     uint64
	mu      sync.Mutex
	stopped bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used to schedule timers.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a timer manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:  RealClock{},
		logger: slog.Default(),
		timers: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "idle.manager"))
	return m
}

// Arm schedules onExpire to run after d, replacing any timer already pending
// for the sender. After Stop it schedules nothing and returns the zero Handle.
func (m *Manager) Arm(sender string, d time.Duration, onExpire ExpireFunc) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return Handle{}
	}

	if prev, ok := m.timers[sender]; ok {
		prev.timer.Stop()
	}

	m.seq++
	h := Handle{Sender: sender, seq: m.seq}
	t := m.clock.AfterFunc(d, func() {
		m.fire(h, onExpire)
	})
	m.timers[sender] = entry{handle: h, timer: t}

	m.logger.Debug("idle timer armed",
		slog.String("sender", sender),
		slog.Duration("window", d))
	return h
}

func (m *Manager) fire(h Handle, onExpire ExpireFunc) {
	m.mu.Lock()
	current, ok := m.timers[h.Sender]
	if !ok || current.handle != h {
		m.mu.Unlock()
		return
	}
	delete(m.timers, h.Sender)
	m.mu.Unlock()

	m.logger.Debug("idle timer fired", slog.String("sender", h.Sender))
	if onExpire != nil {
		onExpire(h)
	}
}

// Cancel stops the timer identified by h. Cancelling a handle that already
// fired or was replaced is a no-op and returns false.
func (m *Manager) Cancel(h Handle) bool {
	if h.IsZero() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.timers[h.Sender]
	if !ok || current.handle != h {
		return false
	}
	current.timer.Stop()
	delete(m.timers, h.Sender)
	return true
}

// CancelSender stops whatever timer is pending for sender.
func (m *Manager) CancelSender(sender string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.timers[sender]
	if !ok {
		return false
	}
	current.timer.Stop()
	delete(m.timers, sender)
	return true
}

// Current returns the pending handle for sender.
func (m *Manager) Current(sender string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.timers[sender]
	return current.handle, ok
}

// Len returns the number of pending timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels every pending timer and makes later Arm calls no-ops.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true

	for sender, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, sender)
	}
}
