package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/amoylab/imgate/internal/common/config"
	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	mu       sync.Mutex
	sent     []*protocol.Message
	authed   bool
	userID   int64
	username string
}

func (f *fakeSession) ID() string         { return "fake" }
func (f *fakeSession) RemoteAddr() string { return "127.0.0.1:1" }

func (f *fakeSession) Send(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSession) MarkAuthenticated(userID int64, username string) bool {
	if f.authed {
		return false
	}
	f.authed, f.userID, f.username = true, userID, username
	return true
}

func (f *fakeSession) IsAuthenticated() bool { return f.authed }
func (f *fakeSession) UserID() int64         { return f.userID }
func (f *fakeSession) Username() string      { return f.username }

func (f *fakeSession) last(t *testing.T) *protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func lastError(t *testing.T, f *fakeSession) *protocol.Error {
	t.Helper()
	e, ok := f.last(t).Payload.(*protocol.Error)
	require.True(t, ok, "expected error payload, got %T", f.last(t).Payload)
	return e
}

func echoMsg(seq uint32) *protocol.Message {
	return protocol.NewMessage(seq, &protocol.EchoRequest{Content: "hi"})
}

func TestRoute_Success(t *testing.T) {
	r := New(zap.NewNop(), nil)
	r.RegisterFunc(protocol.TypeEchoRequest, func(_ context.Context, msg *protocol.Message, sess Session) error {
		req := msg.Payload.(*protocol.EchoRequest)
		return sess.Send(protocol.BuildResponse(msg, &protocol.EchoResponse{Content: req.Content}))
	})

	sess := &fakeSession{}
	assert.True(t, r.Route(context.Background(), echoMsg(5), sess))

	resp := sess.last(t)
	assert.Equal(t, uint32(5), resp.Sequence)
	assert.Equal(t, &protocol.EchoResponse{Content: "hi"}, resp.Payload)
}

func TestRoute_NoHandler(t *testing.T) {
	r := New(zap.NewNop(), nil)
	sess := &fakeSession{}

	assert.False(t, r.Route(context.Background(), echoMsg(9), sess))
	e := lastError(t, sess)
	assert.Equal(t, protocol.CodeUnsupportedType, e.Code)
	assert.Equal(t, protocol.BandBusiness, protocol.BandOf(e.Code))
	assert.Equal(t, uint32(9), sess.last(t).Sequence)

	// a message with no payload routes as unknown
	assert.False(t, r.Route(context.Background(), protocol.NewMessage(1, nil), sess))
	assert.Equal(t, protocol.CodeUnsupportedType, lastError(t, sess).Code)
}

func TestRoute_HandlerError(t *testing.T) {
	r := New(zap.NewNop(), nil)
	r.RegisterFunc(protocol.TypeEchoRequest, func(context.Context, *protocol.Message, Session) error {
		return errors.New("boom")
	})
	sess := &fakeSession{}

	assert.False(t, r.Route(context.Background(), echoMsg(3), sess))
	e := lastError(t, sess)
	assert.Equal(t, protocol.CodeHandlerFailure, e.Code)
	assert.Equal(t, protocol.BandSystem, protocol.BandOf(e.Code))
	assert.Equal(t, uint32(3), sess.last(t).Sequence)
}

func TestRoute_CodedError(t *testing.T) {
	r := New(zap.NewNop(), nil)
	r.RegisterFunc(protocol.TypeEchoRequest, func(context.Context, *protocol.Message, Session) error {
		return protocol.NewCodedError(protocol.CodeAuthRequired, "login first")
	})
	sess := &fakeSession{}

	assert.False(t, r.Route(context.Background(), echoMsg(4), sess))
	e := lastError(t, sess)
	assert.Equal(t, protocol.CodeAuthRequired, e.Code)
	assert.Equal(t, "login first", e.Message)
}

func TestRoute_PanicIsRecovered(t *testing.T) {
	r := New(zap.NewNop(), nil)
	r.RegisterFunc(protocol.TypeEchoRequest, func(context.Context, *protocol.Message, Session) error {
		panic("handler exploded")
	})
	sess := &fakeSession{}

	assert.NotPanics(t, func() {
		assert.False(t, r.Route(context.Background(), echoMsg(6), sess))
	})
	assert.Equal(t, protocol.CodeHandlerFailure, lastError(t, sess).Code)
}

func TestRegister_LastWinsAndNilIgnored(t *testing.T) {
	r := New(zap.NewNop(), nil)
	var calls []string
	r.RegisterFunc(protocol.TypeEchoRequest, func(context.Context, *protocol.Message, Session) error {
		calls = append(calls, "first")
		return nil
	})
	r.RegisterFunc(protocol.TypeEchoRequest, func(context.Context, *protocol.Message, Session) error {
		calls = append(calls, "second")
		return nil
	})
	r.Register(protocol.TypeEchoRequest, nil)
	r.RegisterFunc(protocol.TypeHeartbeatRequest, nil)

	assert.True(t, r.Has(protocol.TypeEchoRequest))
	assert.False(t, r.Has(protocol.TypeHeartbeatRequest))
	assert.True(t, r.Route(context.Background(), echoMsg(1), &fakeSession{}))
	assert.Equal(t, []string{"second"}, calls)
}

type namedHandler struct{}

func (namedHandler) Name() string { return "named-echo" }

func (namedHandler) Handle(context.Context, *protocol.Message, Session) error { return nil }

func TestMiddlewareOrderAndNames(t *testing.T) {
	r := New(zap.NewNop(), nil)
	var order []string
	mw := func(tag string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, msg *protocol.Message, sess Session) error {
				order = append(order, tag)
				return next.Handle(ctx, msg, sess)
			})
		}
	}
	r.Use(mw("outer"), mw("inner"))
	r.Register(protocol.TypeEchoRequest, namedHandler{})

	h, ok := r.lookup(protocol.TypeEchoRequest)
	require.True(t, ok)
	assert.Equal(t, "named-echo", handlerName(h))

	assert.True(t, r.Route(context.Background(), echoMsg(1), &fakeSession{}))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRoute_RecordsMetrics(t *testing.T) {
	m := metrics.New(config.MetricsConfig{Namespace: "rt"})
	r := New(zap.NewNop(), m)
	r.RegisterFunc(protocol.TypeEchoRequest, func(context.Context, *protocol.Message, Session) error { return nil })

	r.Route(context.Background(), echoMsg(1), &fakeSession{})
	r.Route(context.Background(), protocol.NewMessage(2, &protocol.LoginRequest{}), &fakeSession{})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	results := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "rt_dispatch_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			key := ""
			for _, lp := range metric.GetLabel() {
				key += lp.GetName() + "=" + lp.GetValue() + ","
			}
			results[key] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), results["result=ok,type=ECHO_REQUEST,"])
	assert.Equal(t, float64(1), results["result=unhandled,type=LOGIN_REQUEST,"])
}
