package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/dockhand/composeops/internal/auth"
	"github.com/dockhand/composeops/internal/middleware"
	"github.com/dockhand/composeops/internal/models"
	"github.com/dockhand/composeops/internal/utils"
)

// login handles POST /auth/login.
func (s *Server) login(c *gin.Context) {
	var req models.LoginRequest
	if !utils.BindJSON(c, &req) {
		return
	}

	pair, user, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserDisabled):
			utils.Unauthorized(c, "Invalid email or password")
		default:
			s.logger.WithError(err).Error("Login failed")
			utils.InternalServerError(c, "Login failed")
		}
		return
	}

	utils.SuccessResponse(c, models.TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		UserID:       user.ID,
		Role:         user.Role,
	})
}

// register handles POST /auth/register.
func (s *Server) register(c *gin.Context) {
	var req models.RegisterRequest
	if !utils.BindJSON(c, &req) {
		return
	}

	user, err := s.auth.Register(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			utils.Conflict(c, "Email is already registered")
		case errors.Is(err, auth.ErrPasswordTooShort), errors.Is(err, auth.ErrPasswordTooLong), errors.Is(err, auth.ErrEmptyPassword):
			utils.BadRequest(c, err.Error())
		default:
			s.logger.WithError(err).Error("Registration failed")
			utils.InternalServerError(c, "Registration failed")
		}
		return
	}

	utils.SuccessResponse(c, user)
}

// refresh handles POST /auth/refresh.
func (s *Server) refresh(c *gin.Context) {
	var req models.RefreshRequest
	if !utils.BindJSON(c, &req) {
		return
	}

	pair, err := s.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserNotFound), errors.Is(err, auth.ErrUserDisabled):
			utils.Unauthorized(c, "Refresh token no longer valid")
		case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrInvalidToken),
			errors.Is(err, auth.ErrNotRefreshToken), errors.Is(err, auth.ErrInvalidClaims):
			utils.Unauthorized(c, "Invalid refresh token")
		default:
			s.logger.WithError(err).Error("Token refresh failed")
			utils.InternalServerError(c, "Token refresh failed")
		}
		return
	}

	utils.SuccessResponse(c, models.TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	})
}

// me handles GET /auth/me.
func (s *Server) me(c *gin.Context) {
	userID := middleware.CurrentUserID(c)
	if userID == nil {
		utils.Unauthorized(c, "Authentication required")
		return
	}

	user, err := s.auth.User(c.Request.Context(), *userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			utils.Unauthorized(c, "Account no longer exists")
			return
		}
		s.logger.WithError(err).Error("Failed to load current user")
		utils.InternalServerError(c, "Failed to load current user")
		return
	}

	utils.SuccessResponse(c, user)
}
