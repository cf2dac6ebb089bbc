package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		Mode            string        `mapstructure:"mode"`
		TrustedProxies  []string      `mapstructure:"trusted_proxies"`
		TLS             struct {
			Enabled  bool   `mapstructure:"enabled"`
			CertFile string `mapstructure:"cert_file"`
			KeyFile  string `mapstructure:"key_file"`
		} `mapstructure:"tls"`
	} `mapstructure:"server"`

	// Database configuration
	Database struct {
		Type     string `mapstructure:"type"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"` // Sensitive
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"ssl_mode"`
		SQLite   struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"database"`

	// JWT authentication configuration
	Auth struct {
		Secret          string        `mapstructure:"secret"` // Sensitive
		AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
		RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
		TokenIssuer     string        `mapstructure:"token_issuer"`
		TokenAudience   string        `mapstructure:"token_audience"`
	} `mapstructure:"auth"`

	// Docker client configuration
	Docker struct {
		Host        string `mapstructure:"host"`
		APIVersion  string `mapstructure:"api_version"`
		TLSVerify   bool   `mapstructure:"tls_verify"`
		TLSCertPath string `mapstructure:"tls_cert_path"`
		TLSKeyPath  string `mapstructure:"tls_key_path"`
		TLSCAPath   string `mapstructure:"tls_ca_path"`
	} `mapstructure:"docker"`

	// Ops tuning for the operation tracker, event monitor and broadcast hub
	Ops struct {
		// OperationTimeout bounds a single operation's execution; expiry
		// is recorded as a failure, never left pending.
		OperationTimeout time.Duration `mapstructure:"operation_timeout"`
		// MonitorRetryInterval is the fixed backoff between event stream
		// reconnect attempts.
		MonitorRetryInterval time.Duration `mapstructure:"monitor_retry_interval"`
		// SendBufferSize is the per-connection broadcast queue depth.
		SendBufferSize int `mapstructure:"send_buffer_size"`
	} `mapstructure:"ops"`

	// Logging configuration
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

var (
	mu sync.Mutex
)

// LoadConfig loads the configuration from defaults, an optional config file
// and COMPOSEOPS_-prefixed environment variables.
func LoadConfig() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	setDefaults()

	if err := loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	loadEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.tls.enabled", false)

	// Database defaults
	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.sqlite.path", "composeops.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Auth defaults
	viper.SetDefault("auth.access_token_ttl", "15m")
	viper.SetDefault("auth.refresh_token_ttl", "24h")
	viper.SetDefault("auth.token_issuer", "composeops")
	viper.SetDefault("auth.token_audience", "composeops-api")

	// Docker defaults; empty host lets the client honor DOCKER_HOST
	viper.SetDefault("docker.host", "")
	viper.SetDefault("docker.tls_verify", false)

	// Ops defaults
	viper.SetDefault("ops.operation_timeout", "10m")
	viper.SetDefault("ops.monitor_retry_interval", "5s")
	viper.SetDefault("ops.send_buffer_size", 64)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// loadConfigFile loads configuration from a file if one is present
func loadConfigFile() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/composeops")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, env vars and defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// loadEnvVars enables configuration from environment variables
func loadEnvVars() {
	viper.SetEnvPrefix("COMPOSEOPS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

// validateConfig validates the configuration values
func validateConfig(config *Config) error {
	var errs []string

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: invalid port %d", config.Server.Port))
	}

	if config.Server.TLS.Enabled {
		if config.Server.TLS.CertFile == "" || !fileExists(config.Server.TLS.CertFile) {
			errs = append(errs, "server.tls.cert_file: missing or not found")
		}
		if config.Server.TLS.KeyFile == "" || !fileExists(config.Server.TLS.KeyFile) {
			errs = append(errs, "server.tls.key_file: missing or not found")
		}
	}

	switch config.Database.Type {
	case "sqlite":
		if config.Database.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path: empty")
		} else if dir := filepath.Dir(config.Database.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				errs = append(errs, fmt.Sprintf("database.sqlite.path: cannot create directory: %v", err))
			}
		}
	case "postgres":
		if config.Database.Host == "" {
			errs = append(errs, "database.host: empty")
		}
		if config.Database.User == "" {
			errs = append(errs, "database.user: empty")
		}
		if config.Database.Name == "" {
			errs = append(errs, "database.name: empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.type: unsupported type %q", config.Database.Type))
	}

	if config.Auth.Secret == "" {
		errs = append(errs, "auth.secret: empty, this is a security risk")
	} else if len(config.Auth.Secret) < 32 {
		errs = append(errs, "auth.secret: too short, at least 32 characters required")
	}
	if config.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.access_token_ttl: must be positive")
	}
	if config.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, "auth.refresh_token_ttl: must be positive")
	}

	if config.Ops.OperationTimeout <= 0 {
		errs = append(errs, "ops.operation_timeout: must be positive")
	}
	if config.Ops.MonitorRetryInterval <= 0 {
		errs = append(errs, "ops.monitor_retry_interval: must be positive")
	}
	if config.Ops.SendBufferSize <= 0 {
		errs = append(errs, "ops.send_buffer_size: must be positive")
	}

	for _, proxy := range config.Server.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				errs = append(errs, fmt.Sprintf("server.trusted_proxies: invalid IP or CIDR %q", proxy))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SafeString returns a string with sensitive information masked
func SafeString(val string) string {
	if val == "" {
		return ""
	}
	return "********"
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
