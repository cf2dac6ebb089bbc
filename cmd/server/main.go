// Command server runs the compose operations API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/api"
	"github.com/dockhand/composeops/internal/auth"
	"github.com/dockhand/composeops/internal/broadcast"
	"github.com/dockhand/composeops/internal/config"
	"github.com/dockhand/composeops/internal/database"
	"github.com/dockhand/composeops/internal/database/repositories"
	"github.com/dockhand/composeops/internal/docker"
	"github.com/dockhand/composeops/internal/docker/driver"
	"github.com/dockhand/composeops/internal/ops"
)

func main() {
	logger := logrus.New()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	configureLogger(logger, cfg)

	db, err := database.InitDatabase(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	managerOpts := []docker.ClientOption{docker.WithLogger(logger)}
	if cfg.Docker.Host != "" {
		managerOpts = append(managerOpts, docker.WithHost(cfg.Docker.Host))
	}
	if cfg.Docker.APIVersion != "" {
		managerOpts = append(managerOpts, docker.WithAPIVersion(cfg.Docker.APIVersion))
	}
	if cfg.Docker.TLSVerify {
		managerOpts = append(managerOpts, docker.WithTLS(
			cfg.Docker.TLSCertPath,
			cfg.Docker.TLSKeyPath,
			cfg.Docker.TLSCAPath,
		))
	}
	dockerManager, err := docker.NewManager(managerOpts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Docker client manager")
	}
	defer func() {
		if err := dockerManager.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Docker client")
		}
	}()

	engineDriver := driver.New(dockerManager, logger)
	hub := broadcast.NewHub(cfg.Ops.SendBufferSize, logger)

	operationRepo := repositories.NewOperationRepository(db.DB())
	tracker := ops.NewTracker(operationRepo, engineDriver, hub, cfg.Ops.OperationTimeout, logger)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	monitor := ops.NewMonitor(engineDriver, hub, cfg.Ops.MonitorRetryInterval, logger)
	go monitor.Run(monitorCtx)

	userRepo := repositories.NewUserRepository(db.DB())
	jwtService := auth.NewJWTService(auth.JWTConfig{
		Secret:          cfg.Auth.Secret,
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
		Issuer:          cfg.Auth.TokenIssuer,
		Audience:        cfg.Auth.TokenAudience,
	}, logger)
	authService := auth.NewService(userRepo, jwtService, auth.NewPasswordService(auth.DefaultPasswordConfig()), logger)

	server, err := api.NewServer(api.Options{
		Config:        cfg,
		Logger:        logger,
		Auth:          authService,
		Tracker:       tracker,
		Hub:           hub,
		DockerManager: dockerManager,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to build HTTP server")
	}

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.WithField("signal", sig.String()).Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopMonitor()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown was not clean")
	}
	if err := tracker.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("In-flight operations did not settle before shutdown")
	}

	logger.Info("Shutdown complete")
}

// configureLogger applies the logging section of the configuration.
func configureLogger(logger *logrus.Logger, cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
		logger.WithField("level", cfg.Logging.Level).Warn("Unknown log level, using info")
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
