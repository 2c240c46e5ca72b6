package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/internal/router"
	"github.com/amoylab/imgate/pkg/metrics"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// flushTimeout bounds how long queued replies may take to reach a peer
// whose read side has ended
const flushTimeout = 5 * time.Second

var (
	// ErrClosed is returned by Send once the session is closed
	ErrClosed = errors.New("session closed")
	// ErrWriteQueueFull is returned when the peer does not drain its writes
	ErrWriteQueueFull = errors.New("write queue limit exceeded")
)

// State is the lifecycle state of a session
type State int32

const (
	StateConnected State = iota
	StateReading
	StateDispatching
	StateWriting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReading:
		return "reading"
	case StateDispatching:
		return "dispatching"
	case StateWriting:
		return "writing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher routes one decoded message on behalf of a session
type Dispatcher interface {
	Route(ctx context.Context, msg *protocol.Message, sess router.Session) bool
}

// Executor runs read-path work. Submit must return an error rather than
// drop the task.
type Executor interface {
	Submit(task func()) error
}

// Options tunes one session
type Options struct {
	ReadBufferSize  int
	IdleTimeout     time.Duration
	WriteQueueLimit int
}

// Session owns one client connection
type Session struct {
	id         string
	conn       net.Conn
	remoteAddr string
	createdAt  time.Time
	opts       Options

	logger     *zap.Logger
	dispatcher Dispatcher
	registry   *Registry
	exec       Executor
	metrics    *metrics.Metrics

	// ctx is handed to handlers and cancelled on close
	ctx    context.Context
	cancel context.CancelFunc

	// readBuf is only touched by the serialized read path
	readBuf []byte

	state     atomic.Int32
	writing   atomic.Bool
	started   atomic.Bool
	closed    atomic.Bool
	aborted   atomic.Bool
	readEnded atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	loops     sync.WaitGroup

	writeMu     sync.Mutex
	writeQ      *queue.Queue
	queuedBytes int
	draining    bool
	flushed     bool
	writeSignal chan struct{}

	authMu        sync.RWMutex
	authenticated bool
	userID        int64
	username      string

	hooksMu sync.Mutex
	onClose []func(*Session)
}

var _ router.Session = (*Session)(nil)

// New wraps an accepted connection. Nothing runs until Start.
func New(conn net.Conn, dispatcher Dispatcher, registry *Registry, exec Executor, logger *zap.Logger, m *metrics.Metrics, opts Options) *Session {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}
	id := uuid.NewString()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		conn:        conn,
		remoteAddr:  remote,
		createdAt:   time.Now(),
		opts:        opts,
		logger:      logger.Named("session").With(zap.String("session_id", id), zap.String("remote", remote)),
		dispatcher:  dispatcher,
		registry:    registry,
		exec:        exec,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		writeQ:      queue.New(),
		writeSignal: make(chan struct{}, 1),
	}
	s.state.Store(int32(StateConnected))
	return s
}

// Start registers the session and launches its read and write loops.
// Only the first call has any effect.
func (s *Session) Start() bool {
	if !s.started.CompareAndSwap(false, true) {
		return false
	}
	if s.registry != nil && !s.registry.Register(s) {
		s.logger.Warn("session already registered")
		s.Close()
		return false
	}
	s.logger.Info("session started", zap.String("local", addrString(s.conn.LocalAddr())))

	s.loops.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return true
}

// Wait blocks until both loops of a started session have exited
func (s *Session) Wait() {
	s.loops.Wait()
}

// Done is closed when the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) readLoop() {
	defer s.loops.Done()
	defer s.finishReading()

	buf := make([]byte, s.opts.ReadBufferSize)
	for !s.closed.Load() && !s.readEnded.Load() {
		s.state.Store(int32(StateReading))
		if s.opts.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			// buf is reused only after the submitted task has finished
			if !s.process(buf[:n]) {
				return
			}
			if s.readEnded.Load() {
				return
			}
		}
		if err != nil {
			s.logReadError(err)
			return
		}
	}
}

// process runs onBytesReceived on the executor and waits for it, so the
// next read is issued only after this chunk has been dispatched
func (s *Session) process(chunk []byte) bool {
	if s.exec == nil {
		s.onBytesReceived(chunk)
		return true
	}
	finished := make(chan struct{})
	err := s.exec.Submit(func() {
		defer close(finished)
		s.onBytesReceived(chunk)
	})
	if err != nil {
		s.logger.Warn("failed to submit read task", zap.Error(err))
		return false
	}
	<-finished
	return true
}

// finishReading hands teardown to the write loop, which closes the session
// once every reply queued so far has been written. An interrupted session
// is closed at once.
func (s *Session) finishReading() {
	if s.aborted.Load() || s.closed.Load() {
		s.Close()
		return
	}
	s.writeMu.Lock()
	s.draining = true
	s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	s.signalWriter()
}

func (s *Session) signalWriter() {
	select {
	case s.writeSignal <- struct{}{}:
	default:
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case s.closed.Load(), errors.Is(err, net.ErrClosed):
		s.logger.Debug("read loop stopped")
	case errors.Is(err, io.EOF):
		s.logger.Info("peer closed connection")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Info("idle timeout", zap.Duration("timeout", s.opts.IdleTimeout))
	default:
		s.logger.Warn("read failed", zap.Error(err))
	}
}

// onBytesReceived appends chunk to the read buffer and dispatches every
// complete frame in arrival order
func (s *Session) onBytesReceived(chunk []byte) {
	s.metrics.BytesReceived(len(chunk))
	s.readBuf = append(s.readBuf, chunk...)

	off := 0
	defer func() {
		n := copy(s.readBuf, s.readBuf[off:])
		s.readBuf = s.readBuf[:n]
	}()

	for !s.closed.Load() {
		frame, consumed, err := protocol.TryExtractFrame(s.readBuf[off:])
		off += consumed
		if errors.Is(err, protocol.ErrNeedMoreData) {
			return
		}
		if errors.Is(err, protocol.ErrInvalidLength) {
			// no sequence can be correlated with a bad header
			s.metrics.FrameReceived("invalid_length")
			s.logger.Warn("invalid frame header, closing", zap.Error(err))
			s.readEnded.Store(true)
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			var seq uint32
			if msg != nil {
				seq = msg.Sequence
			}
			s.metrics.FrameReceived("rejected")
			s.logger.Debug("rejected frame", zap.Uint32("sequence", seq), zap.Error(err))
			_ = s.Send(protocol.BuildError(protocol.CodeFor(err), err.Error(), seq))
			continue
		}

		s.metrics.FrameReceived("ok")
		s.state.Store(int32(StateDispatching))
		s.dispatcher.Route(s.ctx, msg, s)
	}
}

func (s *Session) writeLoop() {
	defer s.loops.Done()
	for {
		select {
		case <-s.writeSignal:
		case <-s.done:
			return
		}
		for {
			bufs, finished := s.drain()
			if finished {
				s.Close()
				return
			}
			if len(bufs) == 0 {
				break
			}
			s.writing.Store(true)
			n, err := bufs.WriteTo(s.conn)
			s.writing.Store(false)
			s.metrics.BytesSent(int(n))
			if err != nil {
				if !s.closed.Load() {
					s.logger.Warn("write failed", zap.Error(err))
				}
				s.Close()
				return
			}
		}
	}
}

// drain takes every queued frame in enqueue order. finished reports that
// the read side has ended and nothing is left to write.
func (s *Session) drain() (bufs net.Buffers, finished bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return nil, false
	}
	if s.writeQ.Length() == 0 {
		if s.draining {
			s.flushed = true
			return nil, true
		}
		return nil, false
	}
	bufs = make(net.Buffers, 0, s.writeQ.Length())
	for s.writeQ.Length() > 0 {
		bufs = append(bufs, s.writeQ.Remove().([]byte))
	}
	s.queuedBytes = 0
	return bufs, false
}

// Send encodes msg and queues it for the write loop. Messages are written
// in the order Send was called.
func (s *Session) Send(msg *protocol.Message) error {
	if s.closed.Load() {
		s.metrics.SendDropped("closed")
		return ErrClosed
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.metrics.SendDropped("encode")
		s.logger.Error("dropping unencodable message",
			zap.Stringer("type", protocol.TypeOf(msg)),
			zap.Error(err))
		return err
	}

	s.writeMu.Lock()
	if s.closed.Load() || s.flushed {
		s.writeMu.Unlock()
		s.metrics.SendDropped("closed")
		return ErrClosed
	}
	if limit := s.opts.WriteQueueLimit; limit > 0 && s.queuedBytes+len(frame) > limit {
		queued := s.queuedBytes
		s.writeMu.Unlock()
		s.metrics.SendDropped("queue_full")
		s.logger.Warn("write queue limit exceeded, closing slow consumer",
			zap.Int("queued_bytes", queued),
			zap.Int("limit", limit))
		s.Close()
		return ErrWriteQueueFull
	}
	s.writeQ.Add(frame)
	s.queuedBytes += len(frame)
	s.writeMu.Unlock()

	s.signalWriter()
	return nil
}

// MarkAuthenticated attaches an identity. The first call wins; later calls
// return false and change nothing.
func (s *Session) MarkAuthenticated(userID int64, username string) bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	if s.authenticated {
		return false
	}
	s.authenticated = true
	s.userID = userID
	s.username = username
	s.logger.Info("session authenticated", zap.Int64("user_id", userID), zap.String("username", username))
	return true
}

func (s *Session) IsAuthenticated() bool {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.authenticated
}

func (s *Session) UserID() int64 {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.userID
}

func (s *Session) Username() string {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.username
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State reports the current lifecycle state
func (s *Session) State() State {
	if s.closed.Load() {
		return StateClosed
	}
	if s.writing.Load() {
		return StateWriting
	}
	return State(s.state.Load())
}

// IsClosed reports whether Close has run
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// OnClose registers fn to run once during teardown. Hooks added after the
// session closed run immediately.
func (s *Session) OnClose(fn func(*Session)) {
	if fn == nil {
		return
	}
	s.hooksMu.Lock()
	if !s.closed.Load() {
		s.onClose = append(s.onClose, fn)
		s.hooksMu.Unlock()
		return
	}
	s.hooksMu.Unlock()
	s.runHook(fn)
}

// Interrupt closes the socket only. The read loop observes the failure and
// runs the teardown without flushing queued writes, which is what
// Registry.ShutdownAll relies on while it holds the registry lock.
func (s *Session) Interrupt() {
	s.aborted.Store(true)
	_ = s.conn.Close()
}

// Close tears the session down at once, dropping writes still queued. It
// is safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.hooksMu.Lock()
		s.closed.Store(true)
		hooks := s.onClose
		s.onClose = nil
		s.hooksMu.Unlock()

		s.state.Store(int32(StateClosed))
		close(s.done)
		s.cancel()
		_ = s.conn.Close()

		s.writeMu.Lock()
		dropped := s.writeQ.Length()
		s.writeQ = queue.New()
		s.queuedBytes = 0
		s.writeMu.Unlock()

		if s.registry != nil {
			s.registry.Unregister(s)
		}
		for _, fn := range hooks {
			s.runHook(fn)
		}

		s.logger.Info("session closed",
			zap.Duration("duration", time.Since(s.createdAt)),
			zap.Int64("user_id", s.UserID()),
			zap.Int("dropped_writes", dropped))
	})
}

func (s *Session) runHook(fn func(*Session)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("close hook panicked", zap.Any("panic", r))
		}
	}()
	fn(s)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
