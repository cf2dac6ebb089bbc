package api

import (
	composeapi "github.com/dockhand/composeops/internal/api/compose"
	containerapi "github.com/dockhand/composeops/internal/api/container"
	operationsapi "github.com/dockhand/composeops/internal/api/operations"
	"github.com/dockhand/composeops/internal/middleware"
	"github.com/dockhand/composeops/internal/utils"
)

// setupRoutes wires every endpoint of the API.
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	v1.Use(utils.RateLimitMiddleware(s.rateLimiter))

	// Public endpoints
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", s.login)
		authGroup.POST("/register", s.register)
		authGroup.POST("/refresh", s.refresh)
	}

	// The WebSocket handshake carries its token as a query parameter
	// and authenticates inside the handler.
	v1.GET("/ws", s.handleWebSocket)

	// Authenticated endpoints
	protected := v1.Group("")
	protected.Use(middleware.RequireAuth(s.auth))
	{
		protected.GET("/auth/me", s.me)

		// Engine-level visibility is restricted to administrators.
		system := protected.Group("/system")
		system.Use(middleware.RequireAdmin())
		{
			system.GET("/ping", s.systemPing)
			system.GET("/events", s.systemEvents)
		}

		composeCtrl := composeapi.NewController(s.tracker, s.logger)
		composeCtrl.RegisterRoutes(protected.Group("/compose"))

		containerCtrl := containerapi.NewController(s.tracker, s.logger)
		containerCtrl.RegisterRoutes(protected.Group("/containers"))

		operationsCtrl := operationsapi.NewController(s.tracker, s.logger)
		operationsCtrl.RegisterRoutes(protected.Group("/operations"))
	}
}
