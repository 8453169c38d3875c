package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Task is one unit of work for a single conversation.
type Task func(ctx context.Context)

// ConversationQueue holds pending tasks for a single conversation.
// It ensures FIFO ordering and at most one task in flight.
type ConversationQueue struct {
	tasks          *list.List
	processing     bool
	conversationID string
	mu             sync.Mutex
}

// NewConversationQueue creates a new queue for a conversation.
func NewConversationQueue(conversationID string) *ConversationQueue {
	return &ConversationQueue{
		conversationID: conversationID,
		tasks:          list.New(),
	}
}

// ConversationID returns the key this queue serializes.
func (cq *ConversationQueue) ConversationID() string {
	return cq.conversationID
}

// Enqueue adds a task to the queue.
func (cq *ConversationQueue) Enqueue(task Task) error {
	if task == nil {
		return fmt.Errorf("cannot enqueue nil task for conversation %s", cq.conversationID)
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.tasks.PushBack(task)
	return nil
}

// Dequeue removes and returns the next task to run.
// Returns nil if the queue is empty or a task is already running.
func (cq *ConversationQueue) Dequeue() Task {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.processing {
		return nil
	}

	front := cq.tasks.Front()
	if front == nil {
		return nil
	}

	task, ok := front.Value.(Task)
	cq.tasks.Remove(front)
	if !ok {
		return nil
	}
	cq.processing = true

	return task
}

// Complete marks the running task as done.
func (cq *ConversationQueue) Complete() {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.processing = false
}

// Drop discards every waiting task and returns how many were discarded.
func (cq *ConversationQueue) Drop() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	n := cq.tasks.Len()
	cq.tasks.Init()
	return n
}

// Size returns the number of tasks waiting in the queue.
func (cq *ConversationQueue) Size() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	return cq.tasks.Len()
}
