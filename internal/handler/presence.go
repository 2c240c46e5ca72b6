package handler

import (
	"context"
	"time"

	"github.com/amoylab/imgate/internal/presence"
	"github.com/amoylab/imgate/internal/session"

	"go.uber.org/zap"
)

const offlineTimeout = 5 * time.Second

// TrackPresence returns a server session hook that clears the presence
// entry of an authenticated session when it closes
func TrackPresence(store presence.Store, logger *zap.Logger) func(*session.Session) {
	logger = logger.Named("presence")
	return func(sess *session.Session) {
		sess.OnClose(func(s *session.Session) {
			if !s.IsAuthenticated() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
			defer cancel()
			if err := store.Offline(ctx, s.UserID(), s.ID()); err != nil {
				logger.Warn("failed to clear presence",
					zap.String("session_id", s.ID()),
					zap.Int64("user_id", s.UserID()),
					zap.Error(err))
			}
		})
	}
}
