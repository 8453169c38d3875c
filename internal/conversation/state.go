package conversation

import (
	"time"

	"github.com/Veraticus/sapa/internal/idle"
)

// State is the lifecycle position of one sender's conversation.
type State int

const (
	// StateNoSession means the sender has not said the greeting trigger yet.
	StateNoSession State = iota
	// StateAwaitingDetails means the next message is the sender's detail submission.
	StateAwaitingDetails
	// StateActive means messages are answered from the keyword rule table.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateAwaitingDetails:
		return "awaiting_details"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Session is the live conversation state for one sender. It exists only
// between the greeting trigger and a stop or idle expiry.
type Session struct {
	StartedAt    time.Time
	LastActivity time.Time
	ID           string
	Sender       string
	Timer        idle.Handle
	State        State
}

// InboundMessage is one message handed to the state machine. Non-text
// messages arrive with an empty Text.
type InboundMessage struct {
	ReceivedAt time.Time
	ID         string
	Sender     string
	Text       string
}
