package auth

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/database/repositories"
	"github.com/dockhand/composeops/internal/models"
)

// Service-level errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrUserDisabled       = errors.New("user account is disabled")
	ErrUserNotFound       = errors.New("user not found")
)

// Service implements login, registration and token refresh on top of the
// user repository.
type Service struct {
	users     repositories.UserRepository
	jwt       *JWTService
	passwords *PasswordService
	logger    *logrus.Logger
}

// NewService creates an auth Service.
func NewService(users repositories.UserRepository, jwt *JWTService, passwords *PasswordService, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		users:     users,
		jwt:       jwt,
		passwords: passwords,
		logger:    logger,
	}
}

// Login verifies credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, *models.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, ErrUserDisabled
	}
	if !s.passwords.CheckPassword(password, user.Password) {
		s.logger.WithField("email", email).Warn("Login attempt with wrong password")
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.jwt.GenerateTokenPair(user)
	if err != nil {
		return nil, nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to record last login")
	}

	return pair, user, nil
}

// Register creates a new account with the default user role.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	exists, err := s.users.CheckEmailExists(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailTaken
	}

	hash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:    req.Email,
		Password: hash,
		Name:     req.Name,
		Role:     models.RoleUser,
		Active:   true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrDuplicateKey) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"email":   user.Email,
	}).Info("User registered")

	return user, nil
}

// Refresh exchanges a valid refresh token for a fresh token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserDisabled
	}

	return s.jwt.GenerateTokenPair(user)
}

// ValidateAccessToken validates a bearer token and returns its claims.
// The WebSocket handshake and the HTTP middleware both use it.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwt.ValidateToken(tokenString)
}

// User returns the account behind an authenticated request.
func (s *Service) User(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}
