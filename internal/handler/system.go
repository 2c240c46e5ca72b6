package handler

import (
	"context"
	"time"

	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/internal/router"
)

// Echo replies with the request content
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Handle(_ context.Context, msg *protocol.Message, sess router.Session) error {
	req, ok := msg.Payload.(*protocol.EchoRequest)
	if !ok {
		return invalidRequest(msg)
	}
	return sess.Send(protocol.BuildResponse(msg, &protocol.EchoResponse{Content: req.Content}))
}

// Heartbeat replies with the client timestamp and the server clock
type Heartbeat struct {
	Now func() time.Time
}

func (Heartbeat) Name() string { return "heartbeat" }

func (h Heartbeat) Handle(_ context.Context, msg *protocol.Message, sess router.Session) error {
	req, ok := msg.Payload.(*protocol.HeartbeatRequest)
	if !ok {
		return invalidRequest(msg)
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	return sess.Send(protocol.BuildResponse(msg, &protocol.HeartbeatResponse{
		ClientTimeMs: req.ClientTimeMs,
		ServerTimeMs: millis(now()),
	}))
}
