package session

import (
	"sync"
	"sync/atomic"
	"weak"

	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/pkg/metrics"

	"go.uber.org/zap"
)

// Registry tracks live sessions without owning them. Each session
// unregisters itself during Close; the registry only ever holds weak
// references.
type Registry struct {
	mu       sync.Mutex
	sessions map[weak.Pointer[Session]]struct{}
	maxEver  atomic.Int64

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Stats is a point-in-time summary of the registry
type Stats struct {
	Active        int            `json:"active"`
	MaxEver       int            `json:"max_ever"`
	Authenticated int            `json:"authenticated"`
	ByState       map[string]int `json:"by_state"`
}

func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[weak.Pointer[Session]]struct{}),
		logger:   logger.Named("registry"),
		metrics:  m,
	}
}

// Register adds s and reports whether it was newly added
func (r *Registry) Register(s *Session) bool {
	if s == nil {
		return false
	}
	key := weak.Make(s)

	r.mu.Lock()
	if _, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return false
	}
	r.sessions[key] = struct{}{}
	active := int64(len(r.sessions))
	// the peak is raised before the lock is released so no reader ever sees
	// an active count above it
	peak := r.raiseMax(active)
	r.mu.Unlock()

	r.metrics.SessionOpened(active, peak)
	r.logger.Debug("session registered",
		zap.String("session_id", s.ID()),
		zap.Int64("active", active))
	return true
}

// Unregister removes s and reports whether it was present
func (r *Registry) Unregister(s *Session) bool {
	if s == nil {
		return false
	}
	key := weak.Make(s)

	r.mu.Lock()
	if _, ok := r.sessions[key]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, key)
	active := int64(len(r.sessions))
	r.mu.Unlock()

	r.metrics.SessionClosed(active)
	r.logger.Debug("session unregistered",
		zap.String("session_id", s.ID()),
		zap.Int64("active", active))
	return true
}

func (r *Registry) raiseMax(n int64) int64 {
	for {
		cur := r.maxEver.Load()
		if n <= cur {
			return cur
		}
		if r.maxEver.CompareAndSwap(cur, n) {
			return n
		}
	}
}

// ActiveCount returns the number of registered sessions
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// MaxCountEver returns the highest ActiveCount observed. It never decreases.
func (r *Registry) MaxCountEver() int {
	return int(r.maxEver.Load())
}

// ShutdownAll interrupts every registered session and empties the registry.
// Sessions finish their own teardown on their read loops; their Unregister
// calls wait for the lock and then find nothing to remove.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.sessions {
		if s := key.Value(); s != nil {
			s.Interrupt()
			n++
		}
	}
	clear(r.sessions)
	r.metrics.SessionClosed(0)
	r.logger.Info("interrupted all sessions", zap.Int("count", n))
}

// Snapshot returns the live sessions. Entries whose session has been
// collected are pruned.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for key := range r.sessions {
		s := key.Value()
		if s == nil {
			delete(r.sessions, key)
			continue
		}
		out = append(out, s)
	}
	return out
}

// FindByUser returns the authenticated sessions of userID
func (r *Registry) FindByUser(userID int64) []*Session {
	var out []*Session
	for _, s := range r.Snapshot() {
		if s.IsAuthenticated() && s.UserID() == userID {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast queues msg on every live session and returns how many accepted
// it. Sending happens outside the registry lock.
func (r *Registry) Broadcast(msg *protocol.Message) int {
	sent := 0
	for _, s := range r.Snapshot() {
		if err := s.Send(msg); err != nil {
			r.logger.Debug("broadcast skipped session",
				zap.String("session_id", s.ID()),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) Stats() Stats {
	sessions := r.Snapshot()
	st := Stats{
		Active:  len(sessions),
		MaxEver: r.MaxCountEver(),
		ByState: make(map[string]int),
	}
	for _, s := range sessions {
		if s.IsAuthenticated() {
			st.Authenticated++
		}
		st.ByState[s.State().String()]++
	}
	return st
}
