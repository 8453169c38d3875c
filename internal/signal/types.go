package signal

import "time"

// Kind classifies the payload of an incoming message.
type Kind int

const (
	// KindText is a plain text message.
	KindText Kind = iota
	// KindExtendedText is a text reply quoting an earlier message.
	KindExtendedText
	// KindOther is any payload without text, such as an attachment or sticker.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindExtendedText:
		return "extended_text"
	default:
		return "other"
	}
}

// IncomingMessage is one envelope received from the transport. Text is empty
// unless Kind carries text.
type IncomingMessage struct {
	Timestamp  time.Time
	ID         string
	Sender     string
	Text       string
	Kind       Kind
	HasPayload bool
	FromSelf   bool
}
