package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/imgate/internal/presence"
	"github.com/amoylab/imgate/internal/session"
	"github.com/amoylab/imgate/pkg/version"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type broadcastRequest struct {
	Text string `json:"text" binding:"required"`
}

type sessionsResponse struct {
	session.Stats
	Node            string `json:"node"`
	Online          *int   `json:"online,omitempty"`
	RegisteredUsers *int64 `json:"registered_users,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Get(),
		"uptime":  time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	resp := sessionsResponse{Node: s.node}
	if s.registry != nil {
		resp.Stats = s.registry.Stats()
	}
	ctx := c.Request.Context()

	if s.presence != nil {
		n, err := s.presence.Count(ctx)
		if err != nil {
			s.logger.Warn("failed to count online users", zap.Error(err))
		} else {
			resp.Online = &n
		}
	}
	if s.users != nil {
		n, err := s.users.CountUsers(ctx)
		if err != nil {
			s.logger.Warn("failed to count users", zap.Error(err))
		} else {
			resp.RegisteredUsers = &n
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePresence(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if s.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence is not configured"})
		return
	}
	entries, err := s.presence.Lookup(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("presence lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	if entries == nil {
		entries = []presence.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "sessions": entries})
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n := presence.Notice{
		Text:     req.Text,
		SentAtMs: uint64(s.now().UnixMilli()),
		Origin:   s.node,
	}
	if s.presence == nil {
		// single node without a presence store: deliver locally
		sent := s.relay(n)
		c.JSON(http.StatusAccepted, gin.H{"delivered": sent})
		return
	}
	if err := s.presence.Publish(c.Request.Context(), n); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, presence.ErrStoreClosed) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("failed to publish notice", zap.Error(err))
		c.JSON(status, gin.H{"error": "failed to publish notice"})
		return
	}
	s.logger.Info("notice published",
		zap.String("operator", operator(c)),
		zap.Int("length", len(req.Text)))
	c.JSON(http.StatusAccepted, gin.H{"published": true})
}
