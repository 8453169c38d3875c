// Package conversation runs the per-sender session lifecycle: greeting,
// detail collection, keyword auto-replies, stop and idle expiry.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Veraticus/sapa/internal/events"
	"github.com/Veraticus/sapa/internal/idle"
	"github.com/Veraticus/sapa/internal/matcher"
	"github.com/Veraticus/sapa/internal/queue"
)

// DefaultGreetingTrigger starts a session when sent with no session open.
const DefaultGreetingTrigger = "hallo"

// DefaultStopCommands end an active session.
var DefaultStopCommands = []string{"/stop", "stop"}

// Machine decides how to answer every inbound message. Callers must deliver
// messages for one sender one at a time; the dispatcher does that, and idle
// expiry is routed back through the same executor.
type Machine struct {
	messenger Messenger
	records   RecordStore
	executor  Executor
	events    events.Sink
	delivery  DeliveryRecorder
	clock     idle.Clock
	matcher   *matcher.Matcher
	timers    *idle.Manager
	store     *Store
	location  *time.Location
	logger    *slog.Logger
	intn      func(n int) int
	stops     map[string]struct{}
	trigger   string
	window    time.Duration
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithClock sets the clock used for timestamps and, unless WithTimers is
// given, for idle timers.
func WithClock(clock idle.Clock) Option {
	return func(m *Machine) {
		m.clock = clock
	}
}

// WithTimers sets the idle timer manager.
func WithTimers(timers *idle.Manager) Option {
	return func(m *Machine) {
		m.timers = timers
	}
}

// WithStore sets the session store.
func WithStore(store *Store) Option {
	return func(m *Machine) {
		m.store = store
	}
}

// WithMatcher sets the keyword matcher.
func WithMatcher(mt *matcher.Matcher) Option {
	return func(m *Machine) {
		m.matcher = mt
	}
}

// WithExecutor sets where idle expiry work is submitted. Without one,
// expiry is handled on the timer goroutine.
func WithExecutor(executor Executor) Option {
	return func(m *Machine) {
		m.executor = executor
	}
}

// WithEvents sets the status event sink.
func WithEvents(sink events.Sink) Option {
	return func(m *Machine) {
		m.events = sink
	}
}

// WithDeliveryRecorder sets where outbound failures are counted.
func WithDeliveryRecorder(rec DeliveryRecorder) Option {
	return func(m *Machine) {
		m.delivery = rec
	}
}

// WithIdleWindow sets how long a session may stay silent.
func WithIdleWindow(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithLocation sets the timezone of the time-of-day greeting.
func WithLocation(loc *time.Location) Option {
	return func(m *Machine) {
		if loc != nil {
			m.location = loc
		}
	}
}

// WithGreetingTrigger sets the word that opens a session.
func WithGreetingTrigger(trigger string) Option {
	return func(m *Machine) {
		if t := normalize(trigger); t != "" {
			m.trigger = t
		}
	}
}

// WithStopCommands sets the words that end a session.
func WithStopCommands(commands ...string) Option {
	return func(m *Machine) {
		stops := make(map[string]struct{}, len(commands))
		for _, c := range commands {
			if c = normalize(c); c != "" {
				stops[c] = struct{}{}
			}
		}
		if len(stops) > 0 {
			m.stops = stops
		}
	}
}

// WithRandom sets the source used to pick a stop confirmation. intn must
// return a value in [0, n).
func WithRandom(intn func(n int) int) Option {
	return func(m *Machine) {
		m.intn = intn
	}
}

// NewMachine creates a state machine replying through messenger and reading
// rules from records.
func NewMachine(messenger Messenger, records RecordStore, opts ...Option) *Machine {
	m := &Machine{
		messenger: messenger,
		records:   records,
		events:    events.Nop,
		clock:     idle.RealClock{},
		logger:    slog.Default(),
		intn:      rand.IntN,
		trigger:   DefaultGreetingTrigger,
		window:    idle.DefaultWindow,
	}
	WithStopCommands(DefaultStopCommands...)(m)
	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.With(slog.String("component", "conversation.machine"))
	if m.location == nil {
		m.location = defaultLocation()
	}
	if m.matcher == nil {
		m.matcher = matcher.New()
	}
	if m.store == nil {
		m.store = NewStore()
	}
	if m.timers == nil {
		m.timers = idle.NewManager(idle.WithClock(m.clock), idle.WithLogger(m.logger))
	}
	if m.executor == nil {
		m.executor = inlineExecutor{}
	}
	return m
}

func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.FixedZone("WIB", 7*60*60)
	}
	return loc
}

type inlineExecutor struct{}

func (inlineExecutor) Submit(_ string, task queue.Task) error {
	task(context.Background())
	return nil
}

// Store returns the live session store.
func (m *Machine) Store() *Store {
	return m.store
}

// Stop cancels every pending idle timer.
func (m *Machine) Stop() {
	m.timers.Stop()
}

// HandleMessage advances the sender's conversation by one inbound message
// and sends the resulting reply. Returned errors are recoverable: the
// session state has already moved on.
func (m *Machine) HandleMessage(ctx context.Context, msg InboundMessage) error {
	if strings.TrimSpace(msg.Sender) == "" {
		return ErrEmptySender
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = m.clock.Now()
	}

	sess, ok := m.store.Get(msg.Sender)
	if !ok {
		return m.handleNoSession(ctx, msg)
	}

	switch sess.State {
	case StateAwaitingDetails:
		return m.handleDetails(ctx, msg)
	case StateActive:
		return m.handleActive(ctx, msg, sess)
	default:
		return m.handleNoSession(ctx, msg)
	}
}

func (m *Machine) handleNoSession(ctx context.Context, msg InboundMessage) error {
	text := normalize(msg.Text)

	switch {
	case text == m.trigger:
		m.store.GetOrCreate(msg.Sender, msg.ReceivedAt)
		m.arm(msg.Sender)
		m.logger.InfoContext(ctx, "session started", slog.String("sender", msg.Sender))
		m.publish(ctx, events.TypeSessionStarted, msg.Sender, "")
		return m.reply(ctx, msg.Sender, detailsPrompt)

	case m.isStop(text):
		return m.reply(ctx, msg.Sender, noSessionReply)

	default:
		greeting := Greeting(msg.ReceivedAt, m.location)
		m.logger.DebugContext(ctx, "redirecting sender to greeting trigger",
			slog.String("sender", msg.Sender))
		m.publish(ctx, events.TypeGreetingSent, msg.Sender, greeting)
		return m.reply(ctx, msg.Sender, greeting)
	}
}

// handleDetails stores the first message after the greeting, whatever it
// says, and opens the auto-reply phase.
func (m *Machine) handleDetails(ctx context.Context, msg InboundMessage) error {
	var errs []error

	err := m.records.InsertReceivedMessage(ctx, SenderNumber(msg.Sender), msg.Text, msg.ReceivedAt)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to store received message",
			slog.String("sender", msg.Sender),
			slog.Any("error", err))
		errs = append(errs, fmt.Errorf("%w: %w", ErrRecordFailed, err))
	}

	m.store.Update(msg.Sender, func(s *Session) {
		s.State = StateActive
		s.LastActivity = msg.ReceivedAt
	})
	m.arm(msg.Sender)
	m.publish(ctx, events.TypeDetailsReceived, msg.Sender, msg.Text)

	if err := m.reply(ctx, msg.Sender, detailsAck); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Machine) handleActive(ctx context.Context, msg InboundMessage, sess Session) error {
	if m.isStop(normalize(msg.Text)) {
		return m.stop(ctx, sess)
	}

	rules, err := m.records.ListAutoReplies(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to list auto replies, using fallback",
			slog.String("sender", msg.Sender),
			slog.Any("error", err))
		rules = nil
	}

	reply := fallbackReply
	if rule, ok := m.matcher.Match(msg.Text, rules); ok {
		if m.isStop(normalize(rule.Keyword)) {
			return m.stop(ctx, sess)
		}
		reply = matcher.ExpandReply(rule.Reply)
	} else {
		m.logger.DebugContext(ctx, "no keyword matched", slog.String("sender", msg.Sender))
	}

	m.store.Update(msg.Sender, func(s *Session) {
		s.LastActivity = msg.ReceivedAt
	})
	m.arm(msg.Sender)
	m.publish(ctx, events.TypeAutoReplySent, msg.Sender, reply)
	return m.reply(ctx, msg.Sender, reply)
}

func (m *Machine) stop(ctx context.Context, sess Session) error {
	m.timers.CancelSender(sess.Sender)
	m.store.Delete(sess.Sender)

	m.logger.InfoContext(ctx, "session stopped", slog.String("sender", sess.Sender))
	m.publish(ctx, events.TypeSessionStopped, sess.Sender, "")
	return m.reply(ctx, sess.Sender, stopReplies[m.intn(len(stopReplies))])
}

// HandleExpiry retires the session whose idle timer h fired. It does
// nothing when h is no longer the session's current timer.
func (m *Machine) HandleExpiry(ctx context.Context, h idle.Handle) error {
	removed := m.store.DeleteIf(h.Sender, func(s Session) bool {
		return s.Timer == h
	})
	if !removed {
		m.logger.DebugContext(ctx, "ignoring stale idle expiry", slog.String("sender", h.Sender))
		return nil
	}
	m.timers.Cancel(h)

	m.logger.InfoContext(ctx, "session expired", slog.String("sender", h.Sender))
	m.publish(ctx, events.TypeSessionExpired, h.Sender, "")
	return m.reply(ctx, h.Sender, ExpiryNotice(m.window))
}

// arm restarts the sender's idle timer and records its handle.
func (m *Machine) arm(sender string) {
	h := m.timers.Arm(sender, m.window, m.expire)
	m.store.Update(sender, func(s *Session) {
		s.Timer = h
	})
}

func (m *Machine) expire(h idle.Handle) {
	err := m.executor.Submit(h.Sender, func(ctx context.Context) {
		if err := m.HandleExpiry(ctx, h); err != nil {
			m.logger.WarnContext(ctx, "idle expiry reply failed",
				slog.String("sender", h.Sender),
				slog.Any("error", err))
		}
	})
	if err != nil {
		m.logger.Warn("dropping idle expiry",
			slog.String("sender", h.Sender),
			slog.Any("error", err))
	}
}

// reply shows a composing indicator, best-effort, then sends text.
func (m *Machine) reply(ctx context.Context, to, text string) error {
	if err := m.messenger.SendTypingIndicator(ctx, to); err != nil {
		m.logger.DebugContext(ctx, "typing indicator failed",
			slog.String("recipient", to),
			slog.Any("error", err))
		m.recordDeliveryError("typing")
	}

	if err := m.messenger.Send(ctx, to, text); err != nil {
		m.logger.ErrorContext(ctx, "failed to send reply",
			slog.String("recipient", to),
			slog.Any("error", err))
		m.recordDeliveryError("send")
		return fmt.Errorf("%w to %s: %w", ErrSendFailed, to, err)
	}
	return nil
}

func (m *Machine) recordDeliveryError(op string) {
	if m.delivery != nil {
		m.delivery.IncDeliveryError(op)
	}
}

func (m *Machine) publish(ctx context.Context, typ events.Type, sender, text string) {
	if err := m.events.Publish(ctx, events.New(typ, SenderNumber(sender), text)); err != nil {
		m.logger.WarnContext(ctx, "failed to publish event",
			slog.String("type", string(typ)),
			slog.Any("error", err))
	}
}

func (m *Machine) isStop(normalized string) bool {
	_, ok := m.stops[normalized]
	return ok
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
