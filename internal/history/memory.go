package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps conversation history in process memory. Used by tests and
// by dev mode when no DATABASE_URL is configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Message
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]Message),
		now:      time.Now,
	}
}

// Append adds one message to the end of the session's log.
func (s *MemoryStore) Append(_ context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.sessions[sessionID] = append(s.sessions[sessionID], msg)
	return nil
}

// Recent returns the newest limit messages in chronological order.
func (s *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.sessions[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
