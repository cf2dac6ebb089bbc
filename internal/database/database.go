package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dockhand/composeops/internal/config"
)

// Database represents the interface for database operations
type Database interface {
	// DB returns the underlying database instance
	DB() *gorm.DB

	// Connect establishes a connection to the database
	Connect() error

	// Close closes the database connection
	Close() error

	// Migrate runs database migrations for the given models
	Migrate(models ...interface{}) error

	// Ping checks if the database is reachable
	Ping() error

	// Transaction executes the given function within a transaction
	Transaction(fn func(tx *gorm.DB) error) error
}

// NewDatabase returns a database instance for the configured backend
func NewDatabase(cfg *config.Config, log *logrus.Logger) (Database, error) {
	switch cfg.Database.Type {
	case "postgres":
		return NewPostgresDB(cfg, log), nil
	case "sqlite":
		return NewSQLiteDB(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}

// InitDatabase creates, connects and migrates the configured database
func InitDatabase(cfg *config.Config, log *logrus.Logger) (Database, error) {
	db, err := NewDatabase(cfg, log)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"type": cfg.Database.Type,
		"host": cfg.Database.Host,
		"name": cfg.Database.Name,
	}).Info("Connecting to database")

	if err := db.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Migrate(MigrationModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	return db, nil
}

// logrusAdapter adapts a *logrus.Logger to GORM's logger.Writer interface
type logrusAdapter struct {
	logger *logrus.Logger
}

// Printf implements the logger.Writer interface
func (l logrusAdapter) Printf(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Debugf(format, args...)
}

// newGormLogger builds a GORM logger backed by logrus, honoring the
// configured log level.
func newGormLogger(log *logrus.Logger, level string) logger.Interface {
	return logger.New(
		logrusAdapter{logger: log},
		logger.Config{
			LogLevel:                  getLogLevel(level),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// getLogLevel maps a logging config level to a GORM log level
func getLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug", "trace":
		return logger.Info
	case "warn", "warning":
		return logger.Warn
	case "error", "fatal", "panic":
		return logger.Error
	default:
		return logger.Silent
	}
}
