package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/sapa/internal/events"
	"github.com/Veraticus/sapa/internal/idle"
	"github.com/Veraticus/sapa/internal/matcher"
	"github.com/Veraticus/sapa/internal/queue"
)

var wib = time.FixedZone("WIB", 7*60*60)

// 09:00 in Jakarta.
var start = time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)

const alice = "628111@s.whatsapp.net"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	machine   *Machine
	messenger *fakeMessenger
	records   *fakeRecords
	clock     *idle.FakeClock
	timers    *idle.Manager
	sink      *recordingSink
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		messenger: &fakeMessenger{},
		records:   &fakeRecords{},
		clock:     idle.NewFakeClock(start),
		sink:      &recordingSink{},
	}
	h.timers = idle.NewManager(idle.WithClock(h.clock), idle.WithLogger(quietLogger()))

	base := []Option{
		WithClock(h.clock),
		WithTimers(h.timers),
		WithExecutor(syncExecutor{}),
		WithEvents(h.sink),
		WithLocation(wib),
		WithRandom(func(int) int { return 0 }),
		WithLogger(quietLogger()),
	}
	h.machine = NewMachine(h.messenger, h.records, append(base, opts...)...)
	t.Cleanup(h.machine.Stop)
	return h
}

func (h *harness) send(sender, text string) error {
	return h.machine.HandleMessage(context.Background(), InboundMessage{
		Sender:     sender,
		Text:       text,
		ReceivedAt: h.clock.Now(),
	})
}

func (h *harness) state(sender string) State {
	sess, ok := h.machine.Store().Get(sender)
	if !ok {
		return StateNoSession
	}
	return sess.State
}

func TestMachine_GreetingTriggerStartsSession(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "Hallo"))

	sess, ok := h.machine.Store().Get(alice)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingDetails, sess.State)
	assert.Equal(t, start, sess.StartedAt)
	assert.False(t, sess.Timer.IsZero())
	current, armed := h.timers.Current(alice)
	require.True(t, armed)
	assert.Equal(t, sess.Timer, current)

	assert.Equal(t, []string{detailsPrompt}, h.messenger.SentTo(alice))
	assert.Equal(t, 1, h.messenger.typing, "composing indicator precedes the reply")
	assert.Equal(t, []events.Type{events.TypeSessionStarted}, h.sink.Types())
}

func TestMachine_NoSessionRedirectsToGreeting(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "halo kak, mau tanya"))

	assert.Equal(t, StateNoSession, h.state(alice))
	assert.Equal(t, 0, h.machine.Store().Len())
	assert.Equal(t, 0, h.timers.Len())
	assert.Equal(t,
		"Selamat pagi, terima kasih telah menghubungi layanan kami. Silakan ketik *hallo* untuk memulai sesi percakapan.",
		h.messenger.Last())
	assert.Equal(t, []events.Type{events.TypeGreetingSent}, h.sink.Types())
}

func TestMachine_NoSessionNonTextMessageGetsGreeting(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, ""))

	assert.Equal(t, StateNoSession, h.state(alice))
	assert.True(t, strings.HasPrefix(h.messenger.Last(), "Selamat pagi"))
}

func TestMachine_StopWithoutSession(t *testing.T) {
	h := newHarness(t)

	for _, cmd := range []string{"stop", "/STOP", " Stop "} {
		require.NoError(t, h.send(alice, cmd))
		assert.Equal(t, noSessionReply, h.messenger.Last(), cmd)
	}
	assert.Equal(t, 0, h.machine.Store().Len())
	assert.Equal(t, 0, h.timers.Len())
}

func TestMachine_DetailsStoredExactlyOnce(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.send(alice, "Nama: Budi\nPerusahaan: PT Maju Jaya"))

	inserted := h.records.Inserted()
	require.Len(t, inserted, 1)
	assert.Equal(t, "628111", inserted[0].Sender, "domain suffix is stripped")
	assert.Equal(t, "Nama: Budi\nPerusahaan: PT Maju Jaya", inserted[0].Text)
	assert.Equal(t, start.Add(5*time.Second), inserted[0].At)

	assert.Equal(t, StateActive, h.state(alice))
	assert.Equal(t, detailsAck, h.messenger.Last())

	require.NoError(t, h.send(alice, "apa kabar"))
	assert.Len(t, h.records.Inserted(), 1, "only the first message after the greeting is stored")
	assert.Equal(t, []string{detailsPrompt, detailsAck, fallbackReply}, h.messenger.SentTo(alice))
}

func TestMachine_StopWordWhileAwaitingDetailsIsStoredAsDetails(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "stop"))

	inserted := h.records.Inserted()
	require.Len(t, inserted, 1)
	assert.Equal(t, "stop", inserted[0].Text)
	assert.Equal(t, StateActive, h.state(alice))
	assert.Equal(t, detailsAck, h.messenger.Last())
}

func TestMachine_StopEndsActiveSession(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "Nama: Budi"))
	require.NoError(t, h.send(alice, "/Stop"))

	assert.Equal(t, StateNoSession, h.state(alice))
	assert.Equal(t, 0, h.timers.Len())
	assert.Equal(t, 0, h.clock.PendingTimers())
	assert.Equal(t, stopReplies[0], h.messenger.Last())

	require.NoError(t, h.send(alice, "stop"))
	assert.Equal(t, noSessionReply, h.messenger.Last(), "a second stop finds no session")
	assert.Equal(t, 0, h.machine.Store().Len())
}

func TestMachine_StopReplyIsPickedAtRandom(t *testing.T) {
	var asked int
	h := newHarness(t, WithRandom(func(n int) int {
		asked = n
		return n - 1
	}))

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "details"))
	require.NoError(t, h.send(alice, "stop"))

	assert.Equal(t, len(stopReplies), asked)
	assert.Equal(t, stopReplies[len(stopReplies)-1], h.messenger.Last())
}

func TestMachine_ActiveAutoReply(t *testing.T) {
	h := newHarness(t)
	h.records.rules = []matcher.Rule{
		{Keyword: "jam buka", Reply: `Kami buka:\nSenin-Jumat 08.00-17.00`},
		{Keyword: "harga", Reply: `Daftar harga:\n- Paket A`},
	}

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "Nama: Budi"))
	require.NoError(t, h.send(alice, "hrga dong"))

	assert.Equal(t, "Daftar harga:\n- Paket A", h.messenger.Last())
	assert.Equal(t, StateActive, h.state(alice))

	require.NoError(t, h.send(alice, "JAM BUKA berapa?"))
	assert.Equal(t, "Kami buka:\nSenin-Jumat 08.00-17.00", h.messenger.Last())

	require.NoError(t, h.send(alice, "xyz"))
	assert.Equal(t, fallbackReply, h.messenger.Last())
}

func TestMachine_RulesAreReadForEveryMessage(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "details"))
	require.NoError(t, h.send(alice, "harga"))
	assert.Equal(t, fallbackReply, h.messenger.Last())

	h.records.mu.Lock()
	h.records.rules = []matcher.Rule{{Keyword: "harga", Reply: "Rp 10.000"}}
	h.records.mu.Unlock()

	require.NoError(t, h.send(alice, "harga"))
	assert.Equal(t, "Rp 10.000", h.messenger.Last())
	assert.Equal(t, 2, h.records.listCalls)
}

func TestMachine_RuleWithStopKeywordEndsSession(t *testing.T) {
	h := newHarness(t)
	h.records.rules = []matcher.Rule{{Keyword: "stop", Reply: "never sent"}}

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "details"))
	require.NoError(t, h.send(alice, "stop dong"))

	assert.Equal(t, StateNoSession, h.state(alice))
	assert.Equal(t, stopReplies[0], h.messenger.Last())
	assert.NotContains(t, h.messenger.SentTo(alice), "never sent")
}

func TestMachine_StopRuleMatchedByNearbyWord(t *testing.T) {
	rules := []matcher.Rule{{Keyword: "stop", Reply: "never sent"}}

	t.Run("word windows end the session", func(t *testing.T) {
		h := newHarness(t)
		h.records.rules = rules

		require.NoError(t, h.send(alice, "hallo"))
		require.NoError(t, h.send(alice, "details"))
		require.NoError(t, h.send(alice, "stok habis?"))

		assert.Equal(t, StateNoSession, h.state(alice))
		assert.Equal(t, stopReplies[0], h.messenger.Last())
	})

	t.Run("whole text only keeps the session", func(t *testing.T) {
		h := newHarness(t, WithMatcher(matcher.New(matcher.WithWordWindows(false))))
		h.records.rules = rules

		require.NoError(t, h.send(alice, "hallo"))
		require.NoError(t, h.send(alice, "details"))
		require.NoError(t, h.send(alice, "stok habis?"))

		assert.Equal(t, StateActive, h.state(alice))
		assert.Equal(t, fallbackReply, h.messenger.Last())
	})
}

func TestMachine_ListRulesFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.records.listErr = errors.New("db down")

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "details"))
	require.NoError(t, h.send(alice, "harga"))

	assert.Equal(t, fallbackReply, h.messenger.Last())
	assert.Equal(t, StateActive, h.state(alice))
}

func TestMachine_InsertFailureStillAcknowledges(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	h.records.insertErr = errors.New("db down")

	err := h.send(alice, "Nama: Budi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordFailed)

	assert.Equal(t, detailsAck, h.messenger.Last())
	assert.Equal(t, StateActive, h.state(alice))
}

func TestMachine_SendFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	rec := &countingRecorder{}
	h.machine.delivery = rec
	h.messenger.sendErr = errors.New("socket closed")

	err := h.send(alice, "hallo")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Contains(t, err.Error(), "socket closed")

	assert.Equal(t, StateAwaitingDetails, h.state(alice), "state is not rolled back")
	assert.Equal(t, 1, rec.counts["send"])
}

func TestMachine_InsertAndSendFailureAreJoined(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	h.records.insertErr = errors.New("db down")
	h.messenger.sendErr = errors.New("socket closed")

	err := h.send(alice, "details")
	assert.ErrorIs(t, err, ErrRecordFailed)
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestMachine_TypingFailureIsIgnored(t *testing.T) {
	h := newHarness(t)
	rec := &countingRecorder{}
	h.machine.delivery = rec
	h.messenger.typingErr = errors.New("unsupported")

	require.NoError(t, h.send(alice, "hallo"))
	assert.Equal(t, detailsPrompt, h.messenger.Last())
	assert.Equal(t, 1, rec.counts["typing"])
}

func TestMachine_EmptySender(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.send("  ", "hallo"), ErrEmptySender)
}

func TestMachine_IdleExpiry(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	h.clock.Advance(59 * time.Second)
	assert.Equal(t, StateAwaitingDetails, h.state(alice))

	h.clock.Advance(time.Second)
	assert.Equal(t, StateNoSession, h.state(alice))
	assert.Equal(t, ExpiryNotice(time.Minute), h.messenger.Last())

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, []string{detailsPrompt, ExpiryNotice(time.Minute)}, h.messenger.SentTo(alice),
		"exactly one expiry notice")
	assert.Equal(t,
		[]events.Type{events.TypeSessionStarted, events.TypeSessionExpired},
		h.sink.Types())
}

func TestMachine_InboundMessageRearmsTimer(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	h.clock.Advance(40 * time.Second)
	require.NoError(t, h.send(alice, "details"))
	h.clock.Advance(40 * time.Second)
	require.NoError(t, h.send(alice, "harga"))
	h.clock.Advance(59 * time.Second)

	assert.Equal(t, StateActive, h.state(alice), "each inbound message restarts the window")
	assert.Equal(t, 1, h.clock.PendingTimers(), "only one timer is outstanding")

	h.clock.Advance(time.Second)
	assert.Equal(t, StateNoSession, h.state(alice))
	assert.Equal(t, ExpiryNotice(time.Minute), h.messenger.Last())
}

func TestMachine_StaleExpiryIsIgnored(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "hallo"))
	first, _ := h.machine.Store().Get(alice)
	require.NoError(t, h.send(alice, "details"))
	sent := len(h.messenger.Sent())

	require.NoError(t, h.machine.HandleExpiry(context.Background(), first.Timer))
	assert.Equal(t, StateActive, h.state(alice))
	assert.Len(t, h.messenger.Sent(), sent)

	second, _ := h.machine.Store().Get(alice)
	require.NoError(t, h.send(alice, "stop"))
	require.NoError(t, h.machine.HandleExpiry(context.Background(), second.Timer))
	assert.Equal(t, stopReplies[0], h.messenger.Last(), "expiry after stop sends nothing")
}

func TestMachine_CustomIdleWindow(t *testing.T) {
	h := newHarness(t, WithIdleWindow(90*time.Second))

	require.NoError(t, h.send(alice, "hallo"))
	h.clock.Advance(60 * time.Second)
	assert.Equal(t, StateAwaitingDetails, h.state(alice))

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, StateNoSession, h.state(alice))
	assert.Contains(t, h.messenger.Last(), "90 detik")
}

func TestMachine_CustomTriggerAndStopCommands(t *testing.T) {
	h := newHarness(t, WithGreetingTrigger("Mulai"), WithStopCommands("selesai"))

	require.NoError(t, h.send(alice, "hallo"))
	assert.Equal(t, StateNoSession, h.state(alice))

	require.NoError(t, h.send(alice, "mulai"))
	require.NoError(t, h.send(alice, "details"))
	require.NoError(t, h.send(alice, "stop"))
	assert.Equal(t, fallbackReply, h.messenger.Last())

	require.NoError(t, h.send(alice, "SELESAI"))
	assert.Equal(t, StateNoSession, h.state(alice))
}

func TestMachine_SendersAreIndependent(t *testing.T) {
	h := newHarness(t)
	bob := "628222@s.whatsapp.net"

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(bob, "hallo"))
	require.NoError(t, h.send(alice, "Nama: Alice"))
	require.NoError(t, h.send(alice, "stop"))

	assert.Equal(t, StateNoSession, h.state(alice))
	assert.Equal(t, StateAwaitingDetails, h.state(bob))

	require.NoError(t, h.send(bob, "Nama: Bob"))
	inserted := h.records.Inserted()
	require.Len(t, inserted, 2)
	assert.Equal(t, "628222", inserted[1].Sender)
	assert.Equal(t, "Nama: Bob", inserted[1].Text)
}

func TestMachine_EventSequence(t *testing.T) {
	h := newHarness(t)
	h.records.rules = []matcher.Rule{{Keyword: "harga", Reply: "Rp 10.000"}}

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "details"))
	require.NoError(t, h.send(alice, "harga"))
	require.NoError(t, h.send(alice, "stop"))

	assert.Equal(t, []events.Type{
		events.TypeSessionStarted,
		events.TypeDetailsReceived,
		events.TypeAutoReplySent,
		events.TypeSessionStopped,
	}, h.sink.Types())
	for _, ev := range h.sink.events {
		assert.Equal(t, "628111", ev.Sender)
	}
}

// The greeting, details and stop flow for many senders at once, serialized
// per sender by the dispatcher.
func TestMachine_ConcurrentSendersThroughDispatcher(t *testing.T) {
	d := queue.NewDispatcher(context.Background(), queue.WithLogger(quietLogger()))
	h := newHarness(t, WithExecutor(d))

	const senders = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		sender := string(rune('a'+i)) + "@s.whatsapp.net"
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, text := range []string{"hallo", "Nama: " + sender, "stop"} {
				msg := InboundMessage{Sender: sender, Text: text}
				assert.NoError(t, d.Submit(sender, func(ctx context.Context) {
					_ = h.machine.HandleMessage(ctx, msg)
				}))
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	assert.Equal(t, 0, h.machine.Store().Len())
	assert.Len(t, h.records.Inserted(), senders)
	for i := 0; i < senders; i++ {
		sender := string(rune('a'+i)) + "@s.whatsapp.net"
		assert.Equal(t, []string{detailsPrompt, detailsAck, stopReplies[0]}, h.messenger.SentTo(sender))
	}
}

func TestMachine_ExpiryRunsThroughExecutor(t *testing.T) {
	d := queue.NewDispatcher(context.Background(), queue.WithLogger(quietLogger()))
	h := newHarness(t, WithExecutor(d))

	require.NoError(t, h.send(alice, "hallo"))
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	assert.Equal(t, StateNoSession, h.state(alice))
	assert.Equal(t, ExpiryNotice(time.Minute), h.messenger.Last())
}

// Scenario: greet, submit details, stop.
func TestScenario_GreetDetailsStop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.send(alice, "Hallo"))
	require.NoError(t, h.send(alice, "Nama: Budi Santoso, Perusahaan: PT Maju Jaya, Keluhan: login gagal"))
	require.NoError(t, h.send(alice, "stop"))

	assert.Equal(t, []string{detailsPrompt, detailsAck, stopReplies[0]}, h.messenger.SentTo(alice))
	require.Len(t, h.records.Inserted(), 1)
	assert.Equal(t, 0, h.machine.Store().Len())
	assert.Equal(t, 0, h.timers.Len())
}

// Scenario: a misspelled keyword with trailing words still finds its rule.
func TestScenario_FuzzyKeyword(t *testing.T) {
	h := newHarness(t)
	h.records.rules = []matcher.Rule{{Keyword: "harga", Reply: `Harga paket:\nA: Rp 100.000`}}

	require.NoError(t, h.send(alice, "hallo"))
	require.NoError(t, h.send(alice, "Nama: Budi"))
	require.NoError(t, h.send(alice, "hrga dong"))

	assert.Equal(t, "Harga paket:\nA: Rp 100.000", h.messenger.Last())
	assert.Equal(t, StateActive, h.state(alice))
}
