package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore implements Store for a single node
type MemoryStore struct {
	logger *zap.Logger
	mu     sync.RWMutex
	users  map[int64]map[string]Entry
	hub    *hub
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory presence store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	logger = logger.Named("presence.store.memory")
	return &MemoryStore{
		logger: logger,
		users:  make(map[int64]map[string]Entry),
		hub:    newHub(logger),
	}
}

func (s *MemoryStore) Online(_ context.Context, entry Entry) error {
	if s.hub.isClosed() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, ok := s.users[entry.UserID]
	if !ok {
		sessions = make(map[string]Entry)
		s.users[entry.UserID] = sessions
	}
	sessions[entry.SessionID] = entry
	return nil
}

func (s *MemoryStore) Offline(_ context.Context, userID int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, ok := s.users[userID]
	if !ok {
		return nil
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(s.users, userID)
	}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, userID int64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := s.users[userID]
	entries := make([]Entry, 0, len(sessions))
	for _, e := range sessions {
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *MemoryStore) Publish(_ context.Context, n Notice) error {
	if s.hub.isClosed() {
		return ErrStoreClosed
	}
	s.hub.deliver(n)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan Notice, error) {
	return s.hub.subscribe(ctx)
}

func (s *MemoryStore) Close() error {
	s.hub.close()
	return nil
}
