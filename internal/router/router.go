package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amoylab/imgate/internal/common/cnst"
	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/pkg/metrics"
	"github.com/amoylab/imgate/pkg/trace"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Session is everything a handler may do with the connection it serves
type Session interface {
	ID() string
	RemoteAddr() string
	Send(msg *protocol.Message) error
	MarkAuthenticated(userID int64, username string) bool
	IsAuthenticated() bool
	UserID() int64
	Username() string
}

// Handler processes one message. A returned *protocol.CodedError selects
// the error code sent back to the client; any other error becomes a
// handler failure.
type Handler interface {
	Handle(ctx context.Context, msg *protocol.Message, sess Session) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg *protocol.Message, sess Session) error

func (f HandlerFunc) Handle(ctx context.Context, msg *protocol.Message, sess Session) error {
	return f(ctx, msg, sess)
}

// Named handlers report a stable name for logs and traces
type Named interface {
	Name() string
}

// Middleware wraps a handler
type Middleware func(Handler) Handler

// Router maps message types to handlers
type Router struct {
	mu         sync.RWMutex
	handlers   map[protocol.MessageType]Handler
	middleware []Middleware

	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  *trace.Builder
}

func New(logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		handlers: make(map[protocol.MessageType]Handler),
		logger:   logger.Named("router"),
		metrics:  m,
		tracer:   trace.Tracer(cnst.TraceRouter),
	}
}

// Use appends middleware applied to every handler registered afterwards
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// Register binds h to t. The last registration for a type wins.
func (r *Router) Register(t protocol.MessageType, h Handler) {
	if h == nil {
		r.logger.Warn("ignoring nil handler", zap.Stringer("type", t))
		return
	}
	name := handlerName(h)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = named{Handler: r.middleware[i](h), name: name}
	}
	if _, ok := r.handlers[t]; ok {
		r.logger.Info("replacing handler", zap.Stringer("type", t), zap.String("handler", name))
	}
	r.handlers[t] = h
}

// RegisterFunc is shorthand for Register(t, HandlerFunc(fn))
func (r *Router) RegisterFunc(t protocol.MessageType, fn func(ctx context.Context, msg *protocol.Message, sess Session) error) {
	if fn == nil {
		r.Register(t, nil)
		return
	}
	r.Register(t, HandlerFunc(fn))
}

// Has reports whether a handler is bound to t
func (r *Router) Has(t protocol.MessageType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

func (r *Router) lookup(t protocol.MessageType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Route dispatches msg to its handler. Every failure is answered on sess
// with an error message carrying msg's sequence, and Route returns false.
func (r *Router) Route(ctx context.Context, msg *protocol.Message, sess Session) bool {
	t := protocol.TypeOf(msg)
	var seq uint32
	if msg != nil {
		seq = msg.Sequence
	}

	scope := r.tracer.Start(ctx, cnst.SpanDispatchPrefix+t.String(),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer))
	defer scope.End()
	scope.WithAttrs(
		attribute.String(cnst.AttrSessionID, sess.ID()),
		attribute.String(cnst.AttrMessageType, t.String()),
		attribute.Int64(cnst.AttrSequence, int64(seq)),
		attribute.String(cnst.AttrClientAddr, sess.RemoteAddr()),
	)

	start := time.Now()
	r.metrics.DispatchStart(t.String())

	h, ok := r.lookup(t)
	if !ok {
		r.metrics.DispatchDone(t.String(), start, "unhandled")
		r.logger.Warn("no handler for message type",
			zap.String("session_id", sess.ID()),
			zap.Stringer("type", t),
			zap.Uint32("sequence", seq))
		scope.WithAttrs(attribute.Int(cnst.AttrErrorCode, int(protocol.CodeUnsupportedType)))
		r.reply(sess, protocol.BuildError(protocol.CodeUnsupportedType,
			fmt.Sprintf("unsupported message type: %s", t), seq))
		return false
	}

	name := handlerName(h)
	scope.WithAttrs(attribute.String(cnst.AttrHandler, name))

	err := r.invoke(scope.Ctx, h, msg, sess)
	if err == nil {
		r.metrics.DispatchDone(t.String(), start, "ok")
		return true
	}

	code := protocol.CodeHandlerFailure
	text := "handler failure"
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		code = coded.Code
		text = coded.Message
	}
	r.metrics.DispatchDone(t.String(), start, "error")
	r.logger.Error("handler failed",
		zap.String("session_id", sess.ID()),
		zap.String("handler", name),
		zap.Stringer("type", t),
		zap.Uint32("sequence", seq),
		zap.Uint32("code", code),
		zap.Error(err))
	scope.WithAttrs(attribute.Int(cnst.AttrErrorCode, int(code))).Fail(err)
	r.reply(sess, protocol.BuildError(code, text, seq))
	return false
}

// invoke runs h and turns a panic into an error
func (r *Router) invoke(ctx context.Context, h Handler, msg *protocol.Message, sess Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, msg, sess)
}

func (r *Router) reply(sess Session, msg *protocol.Message) {
	if err := sess.Send(msg); err != nil {
		r.logger.Debug("failed to send error reply",
			zap.String("session_id", sess.ID()),
			zap.Error(err))
	}
}

type named struct {
	Handler
	name string
}

func (n named) Name() string { return n.name }

func handlerName(h Handler) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}
