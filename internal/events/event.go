// Package events carries the notification-only status stream consumed by
// dashboards and metrics.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type names a status event.
type Type string

// Event types emitted by the conversation engine and the transport adapter.
const (
	TypeGreetingSent      Type = "greeting_sent"
	TypeSessionStarted    Type = "session_started"
	TypeMessageReceived   Type = "message_received"
	TypeDetailsReceived   Type = "details_received"
	TypeAutoReplySent     Type = "auto_reply_sent"
	TypeSessionStopped    Type = "session_stopped"
	TypeSessionExpired    Type = "session_expired"
	TypeConnectionChanged Type = "connection_changed"
)

// Event is one status notification.
type Event struct {
	At        time.Time `json:"at"`
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Sender    string    `json:"sender,omitempty"`
	Text      string    `json:"text,omitempty"`
	Connected bool      `json:"connected"`
}

// New creates an event with a fresh ID and timestamp.
func New(typ Type, sender, text string) Event {
	return Event{
		At:     time.Now().UTC(),
		ID:     uuid.NewString(),
		Type:   typ,
		Sender: sender,
		Text:   text,
	}
}

// ConnectionChanged creates a connectivity event.
func ConnectionChanged(connected bool) Event {
	ev := New(TypeConnectionChanged, "", "")
	ev.Connected = connected
	return ev
}

// Sink receives status events. Publishing is best-effort: callers log
// failures and carry on.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })

type multiSink []Sink

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Publish implements Sink.
func (m multiSink) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
