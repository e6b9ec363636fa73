package payments

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/piguard/internal/auth"
	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/walletsdk"
)

// Handler provides the payment callback endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a payment handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterProtectedRoutes sets up the callback routes. All require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/incomplete", h.Incomplete)
	r.POST("/payments/approve", h.Approve)
	r.POST("/payments/complete", h.Complete)
	r.POST("/payments/cancel", h.Cancel)
	// Older clients post to the misspelled path.
	r.POST("/payments/cancell", h.Cancel)
	r.GET("/payments/:id", h.Get)
}

type paymentRequest struct {
	PaymentID string `json:"paymentId"`
	TxID      string `json:"txid,omitempty"`
}

// Incomplete handles POST /v1/payments/incomplete {payment}
func (h *Handler) Incomplete(c *gin.Context) {
	var req struct {
		Payment walletsdk.Payment `json:"payment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Payment.Identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be {\"payment\": {...}} with an identifier",
		})
		return
	}
	res, err := h.service.HandleIncomplete(c.Request.Context(), auth.GetUserID(c), req.Payment.Identifier)
	respond(c, res, err)
}

// Approve handles POST /v1/payments/approve {paymentId}
func (h *Handler) Approve(c *gin.Context) {
	req, ok := bind(c)
	if !ok {
		return
	}
	res, err := h.service.Approve(c.Request.Context(), auth.GetUserID(c), req.PaymentID)
	respond(c, res, err)
}

// Complete handles POST /v1/payments/complete {paymentId, txid}
func (h *Handler) Complete(c *gin.Context) {
	req, ok := bind(c)
	if !ok {
		return
	}
	res, err := h.service.Complete(c.Request.Context(), auth.GetUserID(c), req.PaymentID, req.TxID)
	respond(c, res, err)
}

// Cancel handles POST /v1/payments/cancel {paymentId}
func (h *Handler) Cancel(c *gin.Context) {
	req, ok := bind(c)
	if !ok {
		return
	}
	res, err := h.service.Cancel(c.Request.Context(), auth.GetUserID(c), req.PaymentID)
	respond(c, res, err)
}

// Get handles GET /v1/payments/:id
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

func bind(c *gin.Context) (paymentRequest, bool) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PaymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentId is required",
		})
		return req, false
	}
	return req, true
}

func respond(c *gin.Context, res *Result, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	if res.Request != nil {
		res.Request = res.Request.Redacted()
	}
	c.JSON(http.StatusOK, res)
}

func respondError(c *gin.Context, err error) {
	status, code := failure.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
