package requests

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/piguard/internal/auth"
	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/pagination"
	"github.com/mbd888/piguard/internal/validation"
)

// Handler provides HTTP endpoints for requests.
type Handler struct {
	service *Service
}

// NewHandler creates a request handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up the owner-facing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.SubmitRequest)
	r.GET("/requests", h.ListRequests)
	r.GET("/requests/:id", h.GetRequest)
}

// RegisterStaffRoutes sets up the staff routes. The group must already
// require the staff role.
func (h *Handler) RegisterStaffRoutes(r *gin.RouterGroup) {
	r.GET("/admin/requests", h.ListAllRequests)
	r.GET("/admin/requests/:id", h.GetAnyRequest)
	r.POST("/admin/requests/:id/complete", h.CompleteRequest)
	r.POST("/admin/requests/:id/reject", h.RejectRequest)
	r.PATCH("/admin/requests/:id", h.AmendRequest)
}

// SubmitRequest handles POST /v1/requests
func (h *Handler) SubmitRequest(c *gin.Context) {
	var req SubmitInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Submit(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": r.Redacted()})
}

// ListRequests handles GET /v1/requests for the caller's own requests.
func (h *Handler) ListRequests(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	f.UserID = auth.GetUserID(c)
	if f.UserID == "" {
		respondError(c, failure.ErrUnauthenticated)
		return
	}

	page, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	for i, r := range page.Requests {
		page.Requests[i] = r.Redacted()
	}
	c.JSON(http.StatusOK, page)
}

// GetRequest handles GET /v1/requests/:id. Callers only see their own.
func (h *Handler) GetRequest(c *gin.Context) {
	r, err := h.service.GetOwned(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		// Hide existence from other users.
		if errors.Is(err, ErrNotOwner) {
			err = ErrRequestNotFound
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r.Redacted()})
}

// ListAllRequests handles GET /v1/admin/requests
func (h *Handler) ListAllRequests(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	f.UserID = c.Query("user")

	page, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetAnyRequest handles GET /v1/admin/requests/:id
func (h *Handler) GetAnyRequest(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// CompleteRequest handles POST /v1/admin/requests/:id/complete
func (h *Handler) CompleteRequest(c *gin.Context) {
	var req Settlement
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Complete(c.Request.Context(), c.Param("id"), auth.GetUsername(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// RejectRequest handles POST /v1/admin/requests/:id/reject
func (h *Handler) RejectRequest(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.GetUsername(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// AmendRequest handles PATCH /v1/admin/requests/:id
func (h *Handler) AmendRequest(c *gin.Context) {
	var req Amendment
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Amend(c.Request.Context(), c.Param("id"), auth.GetUsername(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

func parseFilter(c *gin.Context) (Filter, bool) {
	f := Filter{
		Status: Status(c.Query("status")),
		Type:   Type(c.Query("type")),
		Search: validation.SanitizeString(c.Query("q"), 200),
		Limit:  pagination.ParseLimit(c.Query("limit")),
	}
	if f.Status != "" && f.Status != StatusPending && !f.Status.IsTerminal() {
		respondError(c, validation.Errors{{Field: "status", Message: "must be one of pending, completed, failed"}})
		return f, false
	}
	if f.Type != "" && f.Type != TypeProtection && f.Type != TypeRecovery {
		respondError(c, validation.Errors{{Field: "type", Message: "must be one of protection, recovery"}})
		return f, false
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return f, false
	}
	f.After = after
	return f, true
}

// respondError answers with the status and code for err's failure kind.
func respondError(c *gin.Context, err error) {
	status, code := failure.HTTPStatus(err)
	body := gin.H{"error": code, "message": err.Error()}
	if status == http.StatusInternalServerError {
		body["message"] = "Internal error"
		_ = c.Error(err)
	}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		body["details"] = verrs
	}
	c.JSON(status, body)
}
