package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/piguard/internal/logging"
)

const (
	// ContextKeyClaims is the key for storing verified token claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware verifies the bearer token, if any, and stores its claims in
// the context. It never aborts; RequireAuth and RequireStaff do.
func Middleware(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw != "" {
			claims, err := s.Authenticate(c.Request.Context(), raw)
			if err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyUserID, claims.Subject)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), claims.Subject))
			} else {
				logging.L(c.Request.Context()).Debug("bearer token rejected", "error", err)
			}
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid bearer token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Bearer token required. Sign in with the wallet app first.",
			})
			return
		}
		c.Next()
	}
}

// RequireStaff middleware requires auth AND the staff role
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Bearer token required.",
			})
			return
		}
		if !IsStaff(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Staff role required.",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims (if authenticated)
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetUserID returns the authenticated user's id, or "".
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetUsername returns the authenticated user's wallet network username.
func GetUsername(c *gin.Context) string {
	if claims, ok := GetClaims(c); ok {
		return claims.Username
	}
	return ""
}

// IsStaff reports whether the caller holds the staff role.
func IsStaff(c *gin.Context) bool {
	claims, ok := GetClaims(c)
	return ok && claims.Role == RoleStaff
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetClaims(c)
	return ok
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
