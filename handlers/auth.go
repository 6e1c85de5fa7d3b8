package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/Ki0xk/kiosk/config"
	"github.com/Ki0xk/kiosk/middleware"
	"github.com/gin-gonic/gin"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

type AuthHandler struct {
	Cfg *config.Config
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{Cfg: cfg}
}

// TokenRequest body. DeviceID names the kiosk or operator console in the token subject.
type TokenRequest struct {
	APIKey   string `json:"api_key" binding:"required"`
	DeviceID string `json:"device_id"`
}

// RefreshToken request body
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func keyMatches(given, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}

func (h *AuthHandler) roleForKey(key string) string {
	switch {
	case keyMatches(key, h.Cfg.OperatorAPIKey):
		return middleware.RoleOperator
	case keyMatches(key, h.Cfg.KioskAPIKey):
		return middleware.RoleKiosk
	default:
		return ""
	}
}

func (h *AuthHandler) issue(c *gin.Context, subject, role string) {
	accessToken, err := middleware.GenerateToken(subject, role, h.Cfg.JWTSecret, accessTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate access token"})
		return
	}

	refreshToken, err := middleware.GenerateToken(subject, role, h.Cfg.JWTRefreshSecret, refreshTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate refresh token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"role":          role,
		"expires_in":    int(accessTokenTTL.Seconds()),
	})
}

// Token exchanges a kiosk or operator API key for a token pair.
func (h *AuthHandler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := h.roleForKey(req.APIKey)
	if role == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		return
	}
	subject := role
	if req.DeviceID != "" {
		subject = role + ":" + req.DeviceID
	}
	h.issue(c, subject, role)
}

// Refresh handles token refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := middleware.ParseToken(req.RefreshToken, h.Cfg.JWTRefreshSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired refresh token", "code": "InvalidToken"})
		return
	}

	if !middleware.KnownRole(claims.Role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Role is no longer valid"})
		return
	}

	h.issue(c, claims.Subject, claims.Role)
}
