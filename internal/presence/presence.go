package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStoreClosed is returned once Close has been called
var ErrStoreClosed = errors.New("presence store closed")

// Entry records one authenticated session of a user
type Entry struct {
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	SessionID  string    `json:"session_id"`
	Node       string    `json:"node"`
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
}

// Notice is an operator announcement delivered to every connected client
type Notice struct {
	Text     string `json:"text"`
	SentAtMs uint64 `json:"sent_at_ms"`
	Origin   string `json:"origin"`
}

// Store tracks which users are online and carries notices between nodes
type Store interface {
	// Online records entry. Recording the same session twice overwrites it.
	Online(ctx context.Context, entry Entry) error
	// Offline removes one session of a user. Unknown sessions are ignored.
	Offline(ctx context.Context, userID int64, sessionID string) error
	// Lookup returns every recorded session of a user
	Lookup(ctx context.Context, userID int64) ([]Entry, error)
	// Count returns the number of users with at least one session
	Count(ctx context.Context) (int, error)
	// Publish delivers n to every subscriber, on every node for shared stores
	Publish(ctx context.Context, n Notice) error
	// Subscribe returns a channel of notices that closes when ctx ends or
	// the store is closed
	Subscribe(ctx context.Context) (<-chan Notice, error)
	Close() error
}

const subscriberBuffer = 16

// hub fans notices out to local subscribers
type hub struct {
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[chan Notice]struct{}
	closed bool
	quit   chan struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger: logger,
		subs:   make(map[chan Notice]struct{}),
		quit:   make(chan struct{}),
	}
}

func (h *hub) subscribe(ctx context.Context) (<-chan Notice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrStoreClosed
	}
	ch := make(chan Notice, subscriberBuffer)
	h.subs[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			h.remove(ch)
		case <-h.quit:
		}
	}()
	return ch, nil
}

func (h *hub) remove(ch chan Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// deliver never blocks; a subscriber that falls behind loses notices
func (h *hub) deliver(n Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Warn("subscriber queue is full, dropping notice", zap.String("origin", n.Origin))
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.quit)
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
