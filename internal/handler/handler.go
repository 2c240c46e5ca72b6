package handler

import (
	"context"
	"time"

	"github.com/amoylab/imgate/internal/presence"
	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/internal/router"
	"github.com/amoylab/imgate/internal/storage"
	"github.com/amoylab/imgate/internal/user"

	"go.uber.org/zap"
)

// Identity registers and authenticates users
type Identity interface {
	Register(ctx context.Context, username, password string) (user.RegisterOutcome, *storage.User)
	Authenticate(ctx context.Context, username, password string) (user.AuthOutcome, *storage.User)
}

// Deps are the collaborators of the default handlers
type Deps struct {
	Users    Identity
	Presence presence.Store // optional
	Node     string
	Logger   *zap.Logger
	// RequireAuth puts echo requests behind login
	RequireAuth bool
	// Now defaults to time.Now
	Now func() time.Time
}

// Install registers the default handler table on r
func Install(r *router.Router, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	logger := d.Logger.Named("handler")

	var echo router.Handler = Echo{}
	if d.RequireAuth {
		echo = RequireAuth(echo)
	}
	r.Register(protocol.TypeEchoRequest, echo)
	r.Register(protocol.TypeHeartbeatRequest, Heartbeat{Now: d.Now})

	if d.Users == nil {
		logger.Warn("no identity backend, register and login are disabled")
		return
	}
	r.Register(protocol.TypeRegisterRequest, &Register{Users: d.Users, Logger: logger})
	r.Register(protocol.TypeLoginRequest, &Login{
		Users:    d.Users,
		Presence: d.Presence,
		Node:     d.Node,
		Logger:   logger,
		Now:      d.Now,
	})
}

// RequireAuth rejects unauthenticated sessions with an auth error
func RequireAuth(next router.Handler) router.Handler {
	return requireAuth{next: next}
}

type requireAuth struct {
	next router.Handler
}

func (h requireAuth) Name() string {
	if n, ok := h.next.(router.Named); ok {
		return n.Name()
	}
	return "require-auth"
}

func (h requireAuth) Handle(ctx context.Context, msg *protocol.Message, sess router.Session) error {
	if !sess.IsAuthenticated() {
		return protocol.NewCodedError(protocol.CodeAuthRequired, "authentication required")
	}
	return h.next.Handle(ctx, msg, sess)
}

func invalidRequest(msg *protocol.Message) error {
	return protocol.NewCodedError(protocol.CodeInvalidRequest, "unexpected payload "+protocol.TypeOf(msg).String())
}

func millis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
