package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/middleware"
	"github.com/mossy-p/watchparty/internal/users"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token      string `json:"token"`
	UserID     string `json:"user_id"`
	Registered bool   `json:"registered"`
}

// Login handles user login and JWT generation. The first login for a
// username registers it.
func Login(registry *users.Store, jwtSecret string, logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		created, err := registry.Authenticate(c.Request.Context(), req.Username, req.Password)
		if errors.Is(err, users.ErrBadCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			logger.WithError(err).Error("failed to authenticate user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to authenticate"})
			return
		}

		tokenString, err := middleware.IssueToken(jwtSecret, req.Username, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}
		if created {
			logger.WithField("user_id", req.Username).Info("registered user")
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:      tokenString,
			UserID:     req.Username,
			Registered: created,
		})
	}
}
