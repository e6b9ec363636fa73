package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/piguard/internal/failure"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	payments   PaymentService
	reconciler ReconciliationRunner
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithPaymentService sets the payment service for stuck-payment operations.
func (h *Handler) WithPaymentService(svc PaymentService) *Handler {
	h.payments = svc
	return h
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/payments/stale", h.listStale)
	r.POST("/admin/payments/:id/resolve", h.resolvePayment)
	r.POST("/admin/reconcile", h.triggerReconciliation)
}

// listStale returns payments still open after olderThan (default 10m).
func (h *Handler) listStale(c *gin.Context) {
	if h.payments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment service not configured"})
		return
	}

	age := DefaultStaleAge
	if v := c.Query("olderThan"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "olderThan must be a duration such as 10m",
			})
			return
		}
		age = parsed
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	records, err := h.payments.Stale(c.Request.Context(), age, limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list stale payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": records, "count": len(records)})
}

// resolvePayment settles one payment from the platform's view of it.
func (h *Handler) resolvePayment(c *gin.Context) {
	if h.payments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment service not configured"})
		return
	}

	res, err := h.payments.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := failure.HTTPStatus(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			_ = c.Error(err)
			msg = "failed to resolve payment"
		}
		c.JSON(status, gin.H{"error": code, "message": msg})
		return
	}

	c.JSON(http.StatusOK, res)
}

// triggerReconciliation runs a reconciliation pass immediately.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
