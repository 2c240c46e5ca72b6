package handler

import (
	"context"
	"time"

	"github.com/amoylab/imgate/internal/presence"
	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/internal/router"
	"github.com/amoylab/imgate/internal/user"

	"go.uber.org/zap"
)

// Register creates accounts. Every outcome is answered with a
// RegisterResponse; only malformed requests produce error messages.
type Register struct {
	Users  Identity
	Logger *zap.Logger
}

func (*Register) Name() string { return "register" }

func (h *Register) Handle(ctx context.Context, msg *protocol.Message, sess router.Session) error {
	req, ok := msg.Payload.(*protocol.RegisterRequest)
	if !ok {
		return invalidRequest(msg)
	}
	h.Logger.Info("processing register request",
		zap.String("session_id", sess.ID()),
		zap.String("username", req.Username))

	outcome, u := h.Users.Register(ctx, req.Username, req.Password)
	resp := &protocol.RegisterResponse{
		Success: outcome == user.RegisterSuccess,
		Message: outcome.Message(),
	}
	if u != nil {
		resp.UserID = u.ID
	}
	return sess.Send(protocol.BuildResponse(msg, resp))
}

// Login authenticates the session. A session logs in at most once.
type Login struct {
	Users    Identity
	Presence presence.Store
	Node     string
	Logger   *zap.Logger
	Now      func() time.Time
}

func (*Login) Name() string { return "login" }

func (h *Login) Handle(ctx context.Context, msg *protocol.Message, sess router.Session) error {
	req, ok := msg.Payload.(*protocol.LoginRequest)
	if !ok {
		return invalidRequest(msg)
	}
	if sess.IsAuthenticated() {
		return protocol.NewCodedError(protocol.CodeAlreadyAuthenticated, "session already authenticated")
	}
	h.Logger.Info("processing login request",
		zap.String("session_id", sess.ID()),
		zap.String("username", req.Username))

	outcome, u := h.Users.Authenticate(ctx, req.Username, req.Password)
	resp := &protocol.LoginResponse{
		Success: outcome == user.AuthSuccess,
		Message: outcome.Message(),
	}
	if outcome != user.AuthSuccess {
		return sess.Send(protocol.BuildResponse(msg, resp))
	}

	if !sess.MarkAuthenticated(u.ID, u.Username) {
		// a concurrent login on the same session won
		return protocol.NewCodedError(protocol.CodeAlreadyAuthenticated, "session already authenticated")
	}
	resp.UserID = u.ID
	resp.Username = u.Username
	h.recordOnline(ctx, sess, u.ID, u.Username)

	return sess.Send(protocol.BuildResponse(msg, resp))
}

func (h *Login) recordOnline(ctx context.Context, sess router.Session, userID int64, username string) {
	if h.Presence == nil {
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	entry := presence.Entry{
		UserID:     userID,
		Username:   username,
		SessionID:  sess.ID(),
		Node:       h.Node,
		RemoteAddr: sess.RemoteAddr(),
		Since:      now(),
	}
	if err := h.Presence.Online(ctx, entry); err != nil {
		h.Logger.Warn("failed to record presence",
			zap.String("session_id", sess.ID()),
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
}
