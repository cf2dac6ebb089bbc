package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dockhand/composeops/internal/config"
)

// PostgresDB implements the Database interface for PostgreSQL
type PostgresDB struct {
	config *config.Config
	db     *gorm.DB
	sqlDB  *sql.DB
	log    *logrus.Logger
}

// NewPostgresDB creates a new PostgreSQL database instance
func NewPostgresDB(cfg *config.Config, log *logrus.Logger) *PostgresDB {
	return &PostgresDB{
		config: cfg,
		log:    log,
	}
}

// Connect establishes a connection to the PostgreSQL database
func (p *PostgresDB) Connect() error {
	cfg := p.config.Database

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		sslMode(cfg.SSLMode),
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(p.log, p.config.Logging.Level),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	p.db = db
	p.sqlDB = sqlDB

	return nil
}

// Close closes the database connection
func (p *PostgresDB) Close() error {
	if p.sqlDB != nil {
		return p.sqlDB.Close()
	}
	return nil
}

// DB returns the underlying GORM database instance
func (p *PostgresDB) DB() *gorm.DB {
	return p.db
}

// Ping checks if the database is reachable
func (p *PostgresDB) Ping() error {
	if p.sqlDB == nil {
		return errors.New("database connection not established")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return p.sqlDB.PingContext(ctx)
}

// Transaction executes the given function within a transaction
func (p *PostgresDB) Transaction(fn func(tx *gorm.DB) error) error {
	if p.db == nil {
		return errors.New("database connection not established for transaction")
	}
	return p.db.Transaction(fn)
}

// Migrate runs database migrations
func (p *PostgresDB) Migrate(models ...interface{}) error {
	if p.db == nil {
		return errors.New("database connection not established for migration")
	}
	return p.db.AutoMigrate(models...)
}

// sslMode normalizes the configured sslmode, defaulting to disable
func sslMode(mode string) string {
	switch mode {
	case "disable", "require", "verify-ca", "verify-full", "prefer", "allow":
		return mode
	default:
		return "disable"
	}
}
