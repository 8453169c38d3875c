package conversation

import "errors"

var (
	// ErrEmptySender is returned for a message without a sender.
	ErrEmptySender = errors.New("message has no sender")

	// ErrSendFailed marks a reply the transport could not deliver. Session
	// state is not rolled back.
	ErrSendFailed = errors.New("send reply")

	// ErrRecordFailed marks a detail submission the record store could not save.
	ErrRecordFailed = errors.New("record received message")
)
