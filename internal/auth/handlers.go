package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/walletsdk"
)

// Handler provides HTTP endpoints for sign-in and sign-out
type Handler struct {
	service *Service
}

// NewHandler creates a new auth handler
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up the public sign-in route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/signin", h.SignIn)
}

// RegisterProtectedRoutes sets up routes that need a bearer token.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.POST("/auth/signout", h.SignOut)
}

// SignIn handles POST /v1/auth/signin. The body is the credential the
// wallet SDK produced; the answer is {token, user}.
func (h *Handler) SignIn(c *gin.Context) {
	var cred walletsdk.AuthCredential
	if err := c.ShouldBindJSON(&cred); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	token, user, err := h.service.SignIn(c.Request.Context(), cred)
	if err != nil {
		status, code := failure.HTTPStatus(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			_ = c.Error(err)
			msg = "Sign-in failed"
		}
		c.JSON(status, gin.H{"error": code, "message": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	user, err := h.service.Profile(c.Request.Context(), GetUserID(c))
	if err != nil {
		status, code := failure.HTTPStatus(err)
		if status == http.StatusNotFound {
			// The token outlived its user row.
			status, code = http.StatusUnauthorized, string(failure.KindUnauthenticated)
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// SignOut handles POST /v1/auth/signout
func (h *Handler) SignOut(c *gin.Context) {
	claims, ok := GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	if err := h.service.SignOut(c.Request.Context(), claims); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to sign out",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Signed out"})
}
