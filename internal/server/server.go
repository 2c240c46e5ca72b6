package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/amoylab/imgate/internal/common/config"
	"github.com/amoylab/imgate/internal/presence"
	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/internal/router"
	"github.com/amoylab/imgate/internal/session"
	"github.com/amoylab/imgate/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

var (
	// ErrBind wraps every failure to open the listening socket
	ErrBind = errors.New("failed to bind listener")
	// ErrServerStarted is returned by a second Start
	ErrServerStarted = errors.New("server already started")
	// ErrServerStopped is returned by Start after Stop
	ErrServerStopped = errors.New("server stopped")
)

const maxAcceptDelay = time.Second

// Server accepts TCP connections and runs one Session per connection,
// all bound to the same Router
type Server struct {
	cfg      config.ListenConfig
	base     *zap.Logger
	logger   *zap.Logger
	metrics  *metrics.Metrics
	router   *router.Router
	registry *session.Registry
	pool     *WorkerPool

	mu        sync.Mutex
	listener  net.Listener
	started   bool
	hooks     []func(*session.Session)
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startedAt time.Time
}

// New creates a server. Nothing listens until Start.
func New(cfg config.ListenConfig, r *router.Router, logger *zap.Logger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		base:     logger,
		logger:   logger.Named("server"),
		metrics:  m,
		router:   r,
		registry: session.NewRegistry(logger, m),
		pool:     NewWorkerPool(cfg.WorkerThreads, logger, m),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnSession registers fn to run for every accepted session before it
// starts reading
func (s *Server) OnSession(fn func(*session.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Start binds addr with the given accept backlog, starts the worker pool
// and the accept loop. It returns once the listener is ready.
func (s *Server) Start(addr string, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return ErrServerStopped
	default:
	}
	if s.started {
		return ErrServerStarted
	}

	ln, err := listen(addr, backlog)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrBind, addr, err)
	}
	if s.cfg.StrictMaxConnections && s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.listener = ln
	s.started = true
	s.startedAt = time.Now()

	s.pool.Start()
	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("backlog", backlog),
		zap.Int("workers", s.pool.Workers()),
		zap.Int("max_connections", s.cfg.MaxConnections),
		zap.Bool("strict_max_connections", s.cfg.StrictMaxConnections))
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("listener closed unexpectedly", zap.Error(err))
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-s.quit:
				return
			}
			continue
		}
		delay = 0

		if limit := s.cfg.MaxConnections; limit > 0 && !s.cfg.StrictMaxConnections {
			if active := s.registry.ActiveCount(); active >= limit {
				s.logger.Warn("connection count above max_connections",
					zap.Int("active", active),
					zap.Int("max_connections", limit))
			}
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}

	sess := session.New(conn, s.router, s.registry, s.pool, s.base, s.metrics, session.Options{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		IdleTimeout:     s.cfg.IdleTimeout,
		WriteQueueLimit: s.cfg.WriteQueueLimit,
	})

	s.mu.Lock()
	hooks := append([]func(*session.Session){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(sess)
	}

	if !sess.Start() {
		return
	}
	// a session registered after ShutdownAll ran would otherwise be missed
	select {
	case <-s.quit:
		sess.Close()
	default:
	}
	sess.Wait()
}

// Stop closes the listener, interrupts every session, waits for their
// goroutines and finally stops the worker pool. Only the first call does
// any work; later calls wait for it to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.quit)
		ln := s.listener
		started := s.started
		s.mu.Unlock()

		if ln != nil {
			if err := ln.Close(); err != nil {
				s.logger.Warn("failed to close listener", zap.Error(err))
			}
		}
		s.registry.ShutdownAll()
		s.wg.Wait()
		s.pool.Stop()

		if started {
			s.logger.Info("server stopped",
				zap.Duration("uptime", time.Since(s.startedAt)),
				zap.Int("max_sessions", s.registry.MaxCountEver()))
		}
		close(s.done)
	})
	<-s.done
}

// RelayNotices pushes every notice from ch to all live sessions as a
// SystemNotice. It returns when ch is closed.
func (s *Server) RelayNotices(ch <-chan presence.Notice) {
	for n := range ch {
		msg := protocol.NewMessage(0, &protocol.SystemNotice{Text: n.Text, SentAtMs: n.SentAtMs})
		sent := s.registry.Broadcast(msg)
		s.logger.Info("relayed notice",
			zap.String("origin", n.Origin),
			zap.Int("sessions", sent))
	}
}

// Done is closed once Stop has finished
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Registry() *session.Registry {
	return s.registry
}

func (s *Server) Router() *router.Router {
	return s.router
}

func (s *Server) Pool() *WorkerPool {
	return s.pool
}
