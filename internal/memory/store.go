package memory

import (
	"context"
	"sync"
)

// DefaultStoreCap bounds messages kept per session in the in-process store.
const DefaultStoreCap = 1000

// MemoryStore keeps history in process memory. The default store; history
// is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
	cap      int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an in-process store. maxPerSession <= 0 uses
// DefaultStoreCap; when a session exceeds it, the oldest messages are
// dropped.
func NewMemoryStore(maxPerSession int) *MemoryStore {
	if maxPerSession <= 0 {
		maxPerSession = DefaultStoreCap
	}
	return &MemoryStore{
		sessions: make(map[string][]Message),
		cap:      maxPerSession,
	}
}

func (s *MemoryStore) Append(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.sessions[msg.SessionID], msg)
	if len(msgs) > s.cap {
		msgs = msgs[len(msgs)-s.cap:]
	}
	s.sessions[msg.SessionID] = msgs
	return nil
}

// Recent copies out the last n messages in append order.
func (s *MemoryStore) Recent(ctx context.Context, sessionID string, n int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sessions[sessionID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
