package http

import (
	"net/http"
	"strings"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/services"
	"hangnet/pkg/errors"
	"hangnet/pkg/validation"

	"github.com/gin-gonic/gin"
)

const tokenTTL = 24 * time.Hour

// TokenHandler issues signaling tokens. The federated platform normally
// mints these itself; this surface exists for standalone deployments and
// local development.
type TokenHandler struct {
	authService services.AuthService
}

func NewTokenHandler(authService services.AuthService) *TokenHandler {
	return &TokenHandler{authService: authService}
}

func (h *TokenHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	UserID string `json:"user_id" binding:"required,max=100"`
}

func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format")) //nolint:errcheck
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error())) //nolint:errcheck
		return
	}

	token, err := h.authService.GenerateToken(domain.UserID(req.UserID), tokenTTL)
	if err != nil {
		c.Error(errors.NewInternalError("failed to issue token")) //nolint:errcheck
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
	})
}
