package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/Veraticus/sapa/internal/events"
	"github.com/Veraticus/sapa/internal/matcher"
	"github.com/Veraticus/sapa/internal/queue"
)

type sentMessage struct {
	To   string
	Text string
}

type fakeMessenger struct {
	sendErr   error
	typingErr error
	sent      []sentMessage
	typing    int
	mu        sync.Mutex
}

func (f *fakeMessenger) Send(_ context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{To: recipient, Text: text})
	return nil
}

func (f *fakeMessenger) SendTypingIndicator(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return f.typingErr
}

func (f *fakeMessenger) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeMessenger) SentTo(recipient string) []string {
	var out []string
	for _, m := range f.Sent() {
		if m.To == recipient {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeMessenger) Last() string {
	sent := f.Sent()
	if len(sent) == 0 {
		return ""
	}
	return sent[len(sent)-1].Text
}

type insertedMessage struct {
	At     time.Time
	Sender string
	Text   string
}

type fakeRecords struct {
	listErr   error
	insertErr error
	rules     []matcher.Rule
	inserted  []insertedMessage
	listCalls int
	mu        sync.Mutex
}

func (f *fakeRecords) ListAutoReplies(context.Context) ([]matcher.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.rules, nil
}

func (f *fakeRecords) InsertReceivedMessage(_ context.Context, sender, text string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, insertedMessage{Sender: sender, Text: text, At: at})
	return nil
}

func (f *fakeRecords) Inserted() []insertedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]insertedMessage, len(f.inserted))
	copy(out, f.inserted)
	return out
}

// syncExecutor runs tasks on the caller's goroutine.
type syncExecutor struct{}

func (syncExecutor) Submit(_ string, task queue.Task) error {
	task(context.Background())
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

func (r *recordingSink) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingRecorder struct {
	counts map[string]int
	mu     sync.Mutex
}

func (c *countingRecorder) IncDeliveryError(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[op]++
}
