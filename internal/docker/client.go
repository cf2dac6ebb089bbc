// Package docker provides the Docker engine client manager and the
// driver implementation built on top of it.
package docker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Common errors with detailed descriptions for better error handling
var (
	// ErrNilOption indicates a nil option was provided
	ErrNilOption = errors.New("nil option provided to client configuration")

	// ErrEmptyOption indicates an empty value for a required option
	ErrEmptyOption = errors.New("empty value provided for required option")

	// ErrConnectionFailed indicates a connection failure to Docker daemon
	ErrConnectionFailed = errors.New("failed to connect to Docker daemon")

	// ErrClientNotInitialized indicates the client was not initialized
	ErrClientNotInitialized = errors.New("Docker client not initialized")

	// ErrClientClosed indicates the client manager has been closed
	ErrClientClosed = errors.New("Docker client manager has been closed")
)

// ClientOption represents a functional option for configuring the Docker client
type ClientOption func(*ClientConfig) error

// ClientConfig represents the configuration for the Docker client
type ClientConfig struct {
	// Host is the Docker daemon socket to connect to
	Host string

	// APIVersion is the Docker API version to use
	APIVersion string

	// TLSVerify indicates whether to verify TLS certificates
	TLSVerify bool

	// TLSCertPath is the path to the TLS certificate file
	TLSCertPath string

	// TLSKeyPath is the path to the TLS key file
	TLSKeyPath string

	// TLSCAPath is the path to the TLS CA certificate file
	TLSCAPath string

	// PingTimeout is the timeout for ping operations
	PingTimeout time.Duration

	// Logger is the logger to use
	Logger *logrus.Logger
}

// Manager is the interface for Docker client operations
type Manager interface {
	// GetClient returns the shared Docker client, creating it on first use
	GetClient() (*client.Client, error)

	// GetWithContext returns the Docker client, honoring context cancellation
	GetWithContext(ctx context.Context) (*client.Client, error)

	// Ping checks the connectivity with the Docker daemon
	Ping(ctx context.Context) (types.Ping, error)

	// Close closes the client and releases resources
	Close() error

	// IsInitialized checks if the client is initialized
	IsInitialized() bool

	// IsClosed checks if the manager is closed
	IsClosed() bool

	// GetConfig returns the client configuration
	GetConfig() ClientConfig
}

// WithHost sets the Docker daemon host
func WithHost(host string) ClientOption {
	return func(cfg *ClientConfig) error {
		if host == "" {
			return ErrEmptyOption
		}
		cfg.Host = host
		return nil
	}
}

// WithAPIVersion pins the negotiated Docker API version
func WithAPIVersion(version string) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.APIVersion = version
		return nil
	}
}

// WithTLS configures TLS client certificates and verification
func WithTLS(certPath, keyPath, caPath string) ClientOption {
	return func(cfg *ClientConfig) error {
		if certPath == "" || keyPath == "" || caPath == "" {
			return ErrEmptyOption
		}
		cfg.TLSVerify = true
		cfg.TLSCertPath = certPath
		cfg.TLSKeyPath = keyPath
		cfg.TLSCAPath = caPath
		return nil
	}
}

// WithLogger sets the logger used by the manager
func WithLogger(logger *logrus.Logger) ClientOption {
	return func(cfg *ClientConfig) error {
		if logger == nil {
			return ErrNilOption
		}
		cfg.Logger = logger
		return nil
	}
}

// WithPingTimeout sets the timeout applied to Ping calls
func WithPingTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.PingTimeout = timeout
		return nil
	}
}

// clientManager implements the Manager interface
type clientManager struct {
	config      ClientConfig
	client      *client.Client
	mu          sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool
	logger      *logrus.Logger
}

// NewManager creates a new Docker client manager with the given options.
// The underlying client is created lazily on first use.
func NewManager(opts ...ClientOption) (Manager, error) {
	cfg := ClientConfig{
		Host:        client.DefaultDockerHost,
		PingTimeout: 5 * time.Second,
		Logger:      logrus.New(),
	}

	for _, opt := range opts {
		if opt == nil {
			return nil, ErrNilOption
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &clientManager{
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// GetClient returns the shared Docker client, creating it on first use
func (m *clientManager) GetClient() (*client.Client, error) {
	if m.closed.Load() {
		return nil, ErrClientClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return m.client, nil
	}

	opts := []client.Opt{
		client.WithHost(m.config.Host),
	}
	if m.config.APIVersion != "" {
		opts = append(opts, client.WithVersion(m.config.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	if m.config.TLSVerify {
		opts = append(opts, client.WithTLSClientConfig(
			m.config.TLSCAPath,
			m.config.TLSCertPath,
			m.config.TLSKeyPath,
		))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		m.logger.WithError(err).WithField("host", m.config.Host).Error("Failed to create Docker client")
		return nil, ErrConnectionFailed
	}

	m.client = cli
	m.initialized.Store(true)
	m.logger.WithField("host", m.config.Host).Debug("Docker client created")

	return m.client, nil
}

// GetWithContext returns the Docker client, honoring context cancellation
func (m *clientManager) GetWithContext(ctx context.Context) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.GetClient()
}

// Ping checks the connectivity with the Docker daemon
func (m *clientManager) Ping(ctx context.Context) (types.Ping, error) {
	cli, err := m.GetWithContext(ctx)
	if err != nil {
		return types.Ping{}, err
	}

	pingCtx := ctx
	if m.config.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, m.config.PingTimeout)
		defer cancel()
	}

	ping, err := cli.Ping(pingCtx)
	if err != nil {
		m.logger.WithError(err).Warn("Docker daemon ping failed")
		return types.Ping{}, ErrConnectionFailed
	}

	return ping, nil
}

// Close closes the client and releases resources
func (m *clientManager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}

	err := m.client.Close()
	m.client = nil
	m.initialized.Store(false)
	return err
}

// IsInitialized checks if the client is initialized
func (m *clientManager) IsInitialized() bool {
	return m.initialized.Load()
}

// IsClosed checks if the manager is closed
func (m *clientManager) IsClosed() bool {
	return m.closed.Load()
}

// GetConfig returns the client configuration
func (m *clientManager) GetConfig() ClientConfig {
	cfg := m.config
	cfg.Logger = nil
	return cfg
}
