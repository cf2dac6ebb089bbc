// Package auth provides JWT issuance/validation and password handling
// for operator accounts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/models"
)

// JWT error definitions
var (
	ErrInvalidToken         = errors.New("invalid token")
	ErrExpiredToken         = errors.New("token has expired")
	ErrInvalidSigningMethod = errors.New("invalid signing method")
	ErrInvalidClaims        = errors.New("invalid token claims")
	ErrMissingKey           = errors.New("signing key is missing")
	ErrNotRefreshToken      = errors.New("token is not a refresh token")
)

// JWTConfig contains configuration for JWT token generation and validation
type JWTConfig struct {
	// Secret key used for signing tokens
	Secret string

	// AccessTokenTTL defines the lifetime of an access token
	AccessTokenTTL time.Duration

	// RefreshTokenTTL defines the lifetime of a refresh token
	RefreshTokenTTL time.Duration

	// Issuer identifies the principal that issued the JWT
	Issuer string

	// Audience identifies the recipients the JWT is intended for
	Audience string
}

// Claims defines the custom claims carried by issued tokens
type Claims struct {
	UserID    uint   `json:"uid"`
	Role      string `json:"role"`
	IsRefresh bool   `json:"refresh"`
	jwt.RegisteredClaims
}

// TokenPair is an issued access/refresh token pair
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// JWTService implements JWT operations for authentication
type JWTService struct {
	config JWTConfig
	log    *logrus.Logger
}

// NewJWTService creates a new JWT service with the provided configuration
func NewJWTService(config JWTConfig, log *logrus.Logger) *JWTService {
	if log == nil {
		log = logrus.New()
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = 15 * time.Minute
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	return &JWTService{
		config: config,
		log:    log,
	}
}

// GenerateTokenPair generates a new access/refresh token pair for a user
func (s *JWTService) GenerateTokenPair(user *models.User) (*TokenPair, error) {
	if s.config.Secret == "" {
		return nil, ErrMissingKey
	}

	accessToken, accessExpiresAt, err := s.generate(user, false, s.config.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, _, err := s.generate(user, true, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExpiresAt,
	}, nil
}

func (s *JWTService) generate(user *models.User, isRefresh bool, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		UserID:    user.ID,
		Role:      string(user.Role),
		IsRefresh: isRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			ID:        uuid.New().String(),
			Subject:   fmt.Sprintf("%d", user.ID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and validates an access token and returns its
// claims. Refresh tokens are rejected here.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.IsRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateRefreshToken parses and validates a refresh token and returns
// its claims.
func (s *JWTService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.IsRefresh {
		return nil, ErrNotRefreshToken
	}
	return claims, nil
}

func (s *JWTService) parse(tokenString string) (*Claims, error) {
	if s.config.Secret == "" {
		return nil, ErrMissingKey
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSigningMethod
		}
		return []byte(s.config.Secret), nil
	},
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		s.log.WithError(err).Debug("Token validation failed")
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
