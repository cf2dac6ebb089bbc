// Package api assembles the HTTP server: routing, middleware and the
// REST, WebSocket and SSE surfaces.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/auth"
	"github.com/dockhand/composeops/internal/broadcast"
	"github.com/dockhand/composeops/internal/config"
	"github.com/dockhand/composeops/internal/docker"
	"github.com/dockhand/composeops/internal/ops"
	"github.com/dockhand/composeops/internal/utils"
)

// Server is the HTTP front of the application.
type Server struct {
	cfg           *config.Config
	router        *gin.Engine
	httpServer    *http.Server
	logger        *logrus.Logger
	auth          *auth.Service
	tracker       *ops.Tracker
	hub           *broadcast.Hub
	dockerManager docker.Manager
	rateLimiter   *utils.RateLimiter
}

// Options carries the collaborators the server needs.
type Options struct {
	Config        *config.Config
	Logger        *logrus.Logger
	Auth          *auth.Service
	Tracker       *ops.Tracker
	Hub           *broadcast.Hub
	DockerManager docker.Manager
}

// NewServer builds the router and wires all routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	switch opts.Config.Server.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if len(opts.Config.Server.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(opts.Config.Server.TrustedProxies); err != nil {
			return nil, fmt.Errorf("invalid trusted proxies: %w", err)
		}
	}

	s := &Server{
		cfg:           opts.Config,
		router:        router,
		logger:        logger,
		auth:          opts.Auth,
		tracker:       opts.Tracker,
		hub:           opts.Hub,
		dockerManager: opts.DockerManager,
		rateLimiter:   utils.NewRateLimiter(10, 30),
	}

	router.Use(utils.RequestIDMiddleware())
	router.Use(utils.LoggingMiddleware(logger))
	router.Use(utils.RecoveryMiddleware())
	router.Use(utils.CORSMiddleware(nil))

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  opts.Config.Server.ReadTimeout,
		WriteTimeout: opts.Config.Server.WriteTimeout,
	}

	return s, nil
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.WithFields(logrus.Fields{
		"addr": s.httpServer.Addr,
		"tls":  s.cfg.Server.TLS.Enabled,
	}).Info("HTTP server starting")

	if s.cfg.Server.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
