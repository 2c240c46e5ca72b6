package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/amoylab/imgate/internal/auth/jwt"
	"github.com/amoylab/imgate/internal/common/cnst"
	"github.com/amoylab/imgate/internal/common/config"
	"github.com/amoylab/imgate/internal/presence"
	"github.com/amoylab/imgate/internal/protocol"
	"github.com/amoylab/imgate/internal/session"
	"github.com/amoylab/imgate/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// UserCounter reports how many accounts exist
type UserCounter interface {
	CountUsers(ctx context.Context) (int64, error)
}

// Options wires the admin endpoint to the running node
type Options struct {
	Registry *session.Registry
	Presence presence.Store
	Users    UserCounter
	Metrics  *metrics.Metrics
	Node     string
	Logger   *zap.Logger
}

// Server is the operator HTTP endpoint
type Server struct {
	cfg       config.AdminConfig
	logger    *zap.Logger
	engine    *gin.Engine
	registry  *session.Registry
	presence  presence.Store
	users     UserCounter
	node      string
	now       func() time.Time
	startedAt time.Time

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
}

// New builds the gin engine. When cfg.JWT.SecretKey is set every /api
// route requires an operator token.
func New(cfg config.AdminConfig, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.Named("admin"),
		registry:  opts.Registry,
		presence:  opts.Presence,
		users:     opts.Users,
		node:      opts.Node,
		now:       time.Now,
		startedAt: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recoveryMiddleware())
	r.Use(otelgin.Middleware(cnst.TraceAdmin))
	r.Use(opts.Metrics.Middleware())
	r.Use(s.loggerMiddleware())

	r.GET("/health_check", s.handleHealth)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	api := r.Group("/api")
	if cfg.JWT.SecretKey != "" {
		svc, err := jwt.NewService(cfg.JWT)
		if err != nil {
			return nil, fmt.Errorf("failed to init admin auth: %w", err)
		}
		api.Use(jwtAuthMiddleware(svc))
	} else {
		s.logger.Warn("admin api is not protected, set admin.jwt.secret_key to require tokens")
	}
	api.GET("/sessions", s.handleSessions)
	api.GET("/users/:id/presence", s.handlePresence)
	api.POST("/broadcast", s.handleBroadcast)

	s.engine = r
	return s, nil
}

// Handler exposes the engine, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind admin endpoint %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin endpoint stopped", zap.Error(err))
		}
	}()
	s.logger.Info("admin endpoint listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) relay(n presence.Notice) int {
	if s.registry == nil {
		return 0
	}
	return s.registry.Broadcast(protocol.NewMessage(0, &protocol.SystemNotice{Text: n.Text, SentAtMs: n.SentAtMs}))
}
