package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dockhand/composeops/internal/auth"
	"github.com/dockhand/composeops/internal/broadcast"
	"github.com/dockhand/composeops/internal/config"
	"github.com/dockhand/composeops/internal/database/repositories"
	"github.com/dockhand/composeops/internal/docker"
	"github.com/dockhand/composeops/internal/interfaces"
	"github.com/dockhand/composeops/internal/models"
	"github.com/dockhand/composeops/internal/ops"
)

type memUserRepo struct {
	mu     sync.Mutex
	users  map[uint]*models.User
	nextID uint
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: map[uint]*models.User{}, nextID: 1}
}

func (r *memUserRepo) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repositories.ErrDuplicateKey
		}
	}
	user.ID = r.nextID
	r.nextID++
	stored := *user
	r.users[user.ID] = &stored
	return nil
}

func (r *memUserRepo) GetByID(_ context.Context, id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *memUserRepo) UpdateLastLogin(_ context.Context, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return repositories.ErrNotFound
	}
	now := time.Now()
	user.LastLogin = &now
	return nil
}

func (r *memUserRepo) CheckEmailExists(_ context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

type memOpRepo struct {
	mu  sync.Mutex
	ops map[string]models.Operation
}

func newMemOpRepo() *memOpRepo {
	return &memOpRepo{ops: map[string]models.Operation{}}
}

func (r *memOpRepo) Create(_ context.Context, op *models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.ID] = *op
	return nil
}

func (r *memOpRepo) Update(_ context.Context, op *models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[op.ID]; !ok {
		return repositories.ErrNotFound
	}
	r.ops[op.ID] = *op
	return nil
}

func (r *memOpRepo) GetByID(_ context.Context, id string) (*models.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := op
	return &copied, nil
}

func (r *memOpRepo) List(_ context.Context, _ models.OperationFilter, _, _ int) ([]models.Operation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.Operation
	for _, op := range r.ops {
		all = append(all, op)
	}
	return all, int64(len(all)), nil
}

func (r *memOpRepo) CountActive(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, op := range r.ops {
		if !op.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (r *memOpRepo) AppendLogs(_ context.Context, _ string, _ string) error { return nil }

func (r *memOpRepo) CancelIfActive(_ context.Context, id string, completedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok || op.Status.IsTerminal() {
		return false, nil
	}
	op.Status = models.OperationStatusCancelled
	op.CompletedAt = &completedAt
	r.ops[id] = op
	return true, nil
}

type noopDriver struct{}

func (noopDriver) ComposeUp(context.Context, interfaces.ProjectRef, interfaces.ProgressFunc) error {
	return nil
}
func (noopDriver) ComposeDown(context.Context, interfaces.ProjectRef, interfaces.ProgressFunc) error {
	return nil
}
func (noopDriver) ComposeBuild(context.Context, interfaces.ProjectRef, interfaces.ProgressFunc) error {
	return nil
}
func (noopDriver) ComposePull(context.Context, interfaces.ProjectRef, interfaces.ProgressFunc) error {
	return nil
}
func (noopDriver) ComposeRestart(context.Context, interfaces.ProjectRef, interfaces.ProgressFunc) error {
	return nil
}
func (noopDriver) ComposeStart(context.Context, interfaces.ProjectRef, interfaces.ProgressFunc) error {
	return nil
}
func (noopDriver) ComposeStop(context.Context, interfaces.ProjectRef, interfaces.ProgressFunc) error {
	return nil
}
func (noopDriver) ContainerStart(context.Context, interfaces.ContainerRef) error        { return nil }
func (noopDriver) ContainerStop(context.Context, interfaces.ContainerRef, int) error    { return nil }
func (noopDriver) ContainerRestart(context.Context, interfaces.ContainerRef, int) error { return nil }
func (noopDriver) ContainerRemove(context.Context, interfaces.ContainerRef, bool) error { return nil }
func (noopDriver) ContainerPause(context.Context, interfaces.ContainerRef) error        { return nil }
func (noopDriver) ContainerUnpause(context.Context, interfaces.ContainerRef) error      { return nil }
func (noopDriver) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	return make(chan events.Message), make(chan error)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8080
	cfg.Server.Mode = "test"
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 5 * time.Second
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	server, _ := newTestServerWithUsers(t)
	return server
}

func newTestServerWithUsers(t *testing.T) (*Server, *memUserRepo) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	jwtService := auth.NewJWTService(auth.JWTConfig{
		Secret:   "server-test-secret",
		Issuer:   "composeops-test",
		Audience: "composeops-api",
	}, logger)
	passwords := auth.NewPasswordService(auth.PasswordConfig{
		MinLength: 10,
		MaxLength: 72,
		HashCost:  bcrypt.MinCost,
	})
	users := newMemUserRepo()
	authService := auth.NewService(users, jwtService, passwords, logger)

	hub := broadcast.NewHub(8, logger)
	tracker := ops.NewTracker(newMemOpRepo(), noopDriver{}, hub, time.Minute, logger)
	t.Cleanup(func() { tracker.Shutdown(context.Background()) })

	manager, err := docker.NewManager(docker.WithLogger(logger))
	require.NoError(t, err)

	server, err := NewServer(Options{
		Config:        testConfig(),
		Logger:        logger,
		Auth:          authService,
		Tracker:       tracker,
		Hub:           hub,
		DockerManager: manager,
	})
	require.NoError(t, err)
	return server, users
}

func request(server *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	server.Router().ServeHTTP(w, req)
	return w
}

func registerAndLogin(t *testing.T, server *Server) models.TokenResponse {
	t.Helper()

	w := request(server, http.MethodPost, "/api/v1/auth/register", models.RegisterRequest{
		Email:    "ops@example.com",
		Password: "valid-password-1",
		Name:     "Ops User",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = request(server, http.MethodPost, "/api/v1/auth/login", models.LoginRequest{
		Email:    "ops@example.com",
		Password: "valid-password-1",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Data.AccessToken)
	return envelope.Data
}

func TestAuthEndpoints(t *testing.T) {
	server := newTestServer(t)

	t.Run("RegisterAndLogin", func(t *testing.T) {
		tokens := registerAndLogin(t, server)
		assert.NotEmpty(t, tokens.RefreshToken)
		assert.Equal(t, uint(1), tokens.UserID)
	})

	t.Run("DuplicateRegister", func(t *testing.T) {
		w := request(server, http.MethodPost, "/api/v1/auth/register", models.RegisterRequest{
			Email:    "ops@example.com",
			Password: "valid-password-1",
			Name:     "Ops User",
		}, "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		w := request(server, http.MethodPost, "/api/v1/auth/login", models.LoginRequest{
			Email:    "ops@example.com",
			Password: "wrong-password-9",
		}, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Refresh", func(t *testing.T) {
		tokens := registerAndLoginAs(t, server, "second@example.com")

		w := request(server, http.MethodPost, "/api/v1/auth/refresh", models.RefreshRequest{
			RefreshToken: tokens.RefreshToken,
		}, "")
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("RefreshWithAccessToken", func(t *testing.T) {
		tokens := registerAndLoginAs(t, server, "third@example.com")

		w := request(server, http.MethodPost, "/api/v1/auth/refresh", models.RefreshRequest{
			RefreshToken: tokens.AccessToken,
		}, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Me", func(t *testing.T) {
		tokens := registerAndLoginAs(t, server, "whoami@example.com")

		w := request(server, http.MethodGet, "/api/v1/auth/me", nil, tokens.AccessToken)
		require.Equal(t, http.StatusOK, w.Code)

		var envelope struct {
			Data models.User `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
		assert.Equal(t, "whoami@example.com", envelope.Data.Email)
		assert.Empty(t, envelope.Data.Password)
	})
}

func registerAndLoginAs(t *testing.T, server *Server, email string) models.TokenResponse {
	t.Helper()

	w := request(server, http.MethodPost, "/api/v1/auth/register", models.RegisterRequest{
		Email:    email,
		Password: "valid-password-1",
		Name:     "Extra User",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = request(server, http.MethodPost, "/api/v1/auth/login", models.LoginRequest{
		Email:    email,
		Password: "valid-password-1",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope.Data
}

func loginAsAdmin(t *testing.T, server *Server, users *memUserRepo) models.TokenResponse {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("admin-password-1"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, users.Create(context.Background(), &models.User{
		Email:    "admin@example.com",
		Password: string(hash),
		Name:     "Admin",
		Role:     models.RoleAdmin,
		Active:   true,
	}))

	w := request(server, http.MethodPost, "/api/v1/auth/login", models.LoginRequest{
		Email:    "admin@example.com",
		Password: "admin-password-1",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestSystemRoutesRequireAdmin(t *testing.T) {
	server, users := newTestServerWithUsers(t)

	t.Run("UserForbidden", func(t *testing.T) {
		tokens := registerAndLogin(t, server)
		w := request(server, http.MethodGet, "/api/v1/system/ping", nil, tokens.AccessToken)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("AdminAllowed", func(t *testing.T) {
		tokens := loginAsAdmin(t, server, users)
		w := request(server, http.MethodGet, "/api/v1/system/ping", nil, tokens.AccessToken)
		// The engine may or may not be reachable where the tests run;
		// either way the request clears the role check.
		assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
	})
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	server := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/operations"},
		{http.MethodGet, "/api/v1/operations/active/count"},
		{http.MethodGet, "/api/v1/auth/me"},
		{http.MethodGet, "/api/v1/system/ping"},
		{http.MethodPost, "/api/v1/compose/up"},
		{http.MethodPost, "/api/v1/containers/abc/start"},
	}

	for _, p := range paths {
		w := request(server, p.method, p.path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", p.method, p.path)
	}
}

func TestComposeUpThroughServer(t *testing.T) {
	server := newTestServer(t)
	tokens := registerAndLogin(t, server)

	w := request(server, http.MethodPost, "/api/v1/compose/up", models.ComposeOperationRequest{
		ProjectName: "blog",
		ProjectPath: "/srv/compose/blog",
	}, tokens.AccessToken)
	require.Equal(t, http.StatusAccepted, w.Code)

	var envelope struct {
		Data models.OperationAcceptedResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Data.OperationID)

	// The scheduled operation is visible through the query API and is
	// attributed to the authenticated user.
	w = request(server, http.MethodGet, "/api/v1/operations/"+envelope.Data.OperationID, nil, tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	var opEnvelope struct {
		Data models.Operation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opEnvelope))
	require.NotNil(t, opEnvelope.Data.UserID)
	assert.Equal(t, tokens.UserID, *opEnvelope.Data.UserID)
}

func TestWebSocketEndpointRejectsBadTokens(t *testing.T) {
	server := newTestServer(t)

	t.Run("MissingToken", func(t *testing.T) {
		w := request(server, http.MethodGet, "/api/v1/ws", nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		w := request(server, http.MethodGet, "/api/v1/ws?token=garbage", nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
