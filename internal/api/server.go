// Package api exposes the device and parent HTTP endpoints and the
// real-time WebSocket channel.
package api

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/approval"
	"github.com/goodtune/ktime/internal/auth"
	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/goodtune/ktime/internal/devices"
	"github.com/goodtune/ktime/internal/keylock"
	"github.com/goodtune/ktime/internal/ledger"
	"github.com/goodtune/ktime/internal/screentime"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// Config holds API server settings
type Config struct {
	ListenAddr     string
	AllowedOrigins []string // WebSocket and CORS origins, empty = any
	PingInterval   time.Duration
	RateLimit      int // requests per minute per caller, zero disables
	TLSConfig      *tls.Config
}

// Deps holds the collaborators the handlers call into
type Deps struct {
	Store       storage.Store
	Auth        auth.Authenticator
	Devices     *devices.Registry
	Sessions    *session.Coordinator
	ScreenTime  *screentime.Service
	Ledger      *ledger.Ledger
	Approvals   *approval.Workflow
	Broadcaster *broadcast.Broadcaster
	Locks       *keylock.Locker
}

// Server is the public API HTTP server
type Server struct {
	config   Config
	router   *gin.Engine
	server   *http.Server
	limiter  *RateLimiter
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates the API server and registers all routes
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if logger.GetLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger = logger.With().Str("component", "api").Logger()

	// No default middleware, requests are logged through zerolog
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config: cfg,
		router: router,
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, time.Minute)
	}

	setupRoutes(router, deps, cfg, s.limiter, logger)

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         cfg.TLSConfig,
	}

	return s
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server in the background
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return err
		}
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated API listener")
	}

	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.config.TLSConfig != nil).
		Msg("Starting API server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info().Msg("Stopping API server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.server.Shutdown(ctx)
}
