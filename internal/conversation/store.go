package conversation

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const storeShards = 32

type shard struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// Store holds the live sessions keyed by sender. Senders are spread over
// independently locked shards so the status API and metrics can read while
// conversations are being handled.
type Store struct {
	shards [storeShards]*shard
}

// NewStore creates an empty session store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return s
}

func (s *Store) shardFor(sender string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sender))
	return s.shards[h.Sum32()%storeShards]
}

// Get returns a copy of the sender's session.
func (s *Store) Get(sender string) (Session, bool) {
	sh := s.shardFor(sender)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sess, ok := sh.sessions[sender]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// GetOrCreate returns the sender's session, creating it in StateAwaitingDetails
// when none exists. The boolean reports whether it was created.
func (s *Store) GetOrCreate(sender string, now time.Time) (Session, bool) {
	sh := s.shardFor(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sess, ok := sh.sessions[sender]; ok {
		return *sess, false
	}

	sess := &Session{
		ID:           fmt.Sprintf("sess-%s-%d", sender, now.UnixNano()),
		Sender:       sender,
		State:        StateAwaitingDetails,
		StartedAt:    now,
		LastActivity: now,
	}
	sh.sessions[sender] = sess
	return *sess, true
}

// Update applies fn to the sender's session under its shard lock and returns
// the result. It reports false when no session exists.
func (s *Store) Update(sender string, fn func(*Session)) (Session, bool) {
	sh := s.shardFor(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[sender]
	if !ok {
		return Session{}, false
	}
	fn(sess)
	return *sess, true
}

// Delete removes the sender's session and reports whether one existed.
func (s *Store) Delete(sender string) bool {
	return s.DeleteIf(sender, func(Session) bool { return true })
}

// DeleteIf removes the sender's session only when match returns true for it.
func (s *Store) DeleteIf(sender string, match func(Session) bool) bool {
	sh := s.shardFor(sender)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[sender]
	if !ok || !match(*sess) {
		return false
	}
	delete(sh.sessions, sender)
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// CountByState returns how many live sessions are in each state.
func (s *Store) CountByState() map[State]int {
	counts := make(map[State]int)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			counts[sess.State]++
		}
		sh.mu.RUnlock()
	}
	return counts
}
