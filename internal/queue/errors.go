package queue

import "errors"

// Common queue errors.
var (
	// ErrQueueStopped indicates the dispatcher has been stopped.
	ErrQueueStopped = errors.New("queue stopped")

	// ErrEmptyKey indicates a task was submitted without a conversation key.
	ErrEmptyKey = errors.New("conversation key is required")
)
