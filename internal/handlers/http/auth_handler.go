package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/errors"
	"callnet/pkg/validation"
)

type AuthHandler struct {
	auth           ports.AuthService
	accessTokenTTL time.Duration
}

func NewAuthHandler(auth ports.AuthService, accessTokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		auth:           auth,
		accessTokenTTL: accessTokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/login", h.Login)
		api.POST("/refresh", h.RefreshToken)
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	UserID   string `json:"user_id"`
}

type RefreshTokenRequest struct {
	Token string `json:"token" binding:"required,max=2048"`
}

// Login issues an access token for the signaling channel. Credential
// verification happens upstream at the account service; this node only
// mints channel tokens for identities it is told about.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	userID := domain.UserID(req.UserID)
	if userID == "" {
		userID = domain.UserID(uuid.New().String())
	} else if err := validation.ValidateUserID(string(userID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.auth.IssueToken(userID, req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"username":     req.Username,
		"access_token": token,
		"expires_in":   int(h.accessTokenTTL / time.Second),
	})
}

// RefreshToken exchanges a still-valid token for a fresh one.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := h.auth.ValidateToken(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	token, err := h.auth.IssueToken(claims.UserID, claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   int(h.accessTokenTTL / time.Second),
	})
}
