package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Ki0xk/kiosk/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Caller roles carried in the token.
const (
	RoleKiosk    = "kiosk"
	RoleOperator = "operator"
)

// Keys under which JwtAuthMiddleware stores the authenticated caller.
const (
	ContextSubject = "kiosk.subject"
	ContextRole    = "kiosk.role"
)

func KnownRole(role string) bool {
	return role == RoleKiosk || role == RoleOperator
}

// Claims is the token payload. Subject is "kiosk:<device>" or "operator:<device>".
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for subject with the given role.
func GenerateToken(subject string, role string, secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token against secret. Any other algorithm,
// including "none", is rejected.
func ParseToken(raw, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// Subject returns the authenticated caller, or "" outside JwtAuthMiddleware.
func Subject(c *gin.Context) string {
	return c.GetString(ContextSubject)
}

// Role returns the authenticated caller's role, or "" outside JwtAuthMiddleware.
func Role(c *gin.Context) string {
	return c.GetString(ContextRole)
}

func unauthorized(c *gin.Context, body gin.H) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, body)
}

// JwtAuthMiddleware accepts "Authorization: Bearer <access token>" and records the
// caller under ContextSubject and ContextRole.
func JwtAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, gin.H{"error": "Authorization header is required"})
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" || strings.Contains(raw, " ") {
			unauthorized(c, gin.H{"error": "Invalid authorization header format"})
			return
		}

		claims, err := ParseToken(raw, cfg.JWTSecret)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			unauthorized(c, gin.H{"error": "Token has expired", "code": "ExpiredToken"})
			return
		case err != nil:
			unauthorized(c, gin.H{"error": "Invalid token", "code": "InvalidToken"})
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// RequireRole lets the request through only for the listed roles. It must run
// after JwtAuthMiddleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(ContextRole)
		if !exists {
			unauthorized(c, gin.H{"error": "Role not found in context"})
			return
		}
		role, ok := v.(string)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Invalid role type in context"})
			return
		}
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden: insufficient permissions"})
	}
}
