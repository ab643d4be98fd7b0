package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/propertyops/rentledger/internal/billing"
	"github.com/propertyops/rentledger/internal/logging"
	"github.com/propertyops/rentledger/internal/metrics"
	"github.com/propertyops/rentledger/internal/notify"
)

const maxWebhookBody = 64 * 1024

// Handler provides HTTP endpoints for payments and the gateway webhook.
type Handler struct {
	svc           *Service
	gatewaySecret string
}

// NewHandler creates a new payments handler. gatewaySecret verifies
// inbound webhook signatures.
func NewHandler(svc *Service, gatewaySecret string) *Handler {
	return &Handler{svc: svc, gatewaySecret: gatewaySecret}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bills/:id/pay", h.PayBill)
	r.GET("/payments/:id", h.GetPayment)
	r.POST("/payments/:id/confirm", h.ConfirmPayment)
	r.POST("/payments/:id/receipt", h.AttachReceipt)
	r.POST("/payments/webhook", h.Webhook)
}

// PayBill handles POST /v1/bills/:id/pay (manual payment entry).
func (h *Handler) PayBill(c *gin.Context) {
	var req struct {
		TenantID  string `json:"tenantId"`
		Amount    string `json:"amount" binding:"required"`
		Method    string `json:"method"`
		Reference string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount required"})
		return
	}

	p, existed, err := h.svc.Record(c.Request.Context(), RecordParams{
		BillID:    c.Param("id"),
		TenantID:  req.TenantID,
		Amount:    req.Amount,
		Method:    Method(req.Method),
		Reference: req.Reference,
		Verified:  true,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	c.JSON(status, p)
}

// GetPayment handles GET /v1/payments/:id.
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ConfirmPayment handles POST /v1/payments/:id/confirm.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	p, err := h.svc.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// AttachReceipt handles POST /v1/payments/:id/receipt.
func (h *Handler) AttachReceipt(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url required"})
		return
	}

	p, err := h.svc.AttachReceipt(c.Request.Context(), c.Param("id"), req.URL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// webhookPayload is the gateway's delivery contract.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string            `json:"reference"`
		Amount    string            `json:"amount"`
		Customer  string            `json:"customer"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"data"`
}

// Webhook handles POST /v1/payments/webhook. The signature is an
// HMAC-SHA256 hex digest of the raw body under the shared gateway
// secret; a mismatch is rejected before any state is touched.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookIngressTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	sig := c.GetHeader("X-Webhook-Signature")
	if sig == "" || !notify.Verify(h.gatewaySecret, body, sig) {
		metrics.WebhookIngressTotal.WithLabelValues("rejected").Inc()
		logging.L(c.Request.Context()).Warn("webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookIngressTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed payload"})
		return
	}

	if payload.Event != "charge.success" {
		// Unhandled event types are acknowledged so the gateway stops
		// retrying them.
		metrics.WebhookIngressTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	billID := payload.Data.Metadata["bill_id"]
	if billID == "" || payload.Data.Reference == "" {
		metrics.WebhookIngressTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reference and metadata.bill_id required"})
		return
	}

	p, existed, err := h.svc.Record(c.Request.Context(), RecordParams{
		BillID:    billID,
		TenantID:  payload.Data.Customer,
		Amount:    payload.Data.Amount,
		Method:    MethodExternal,
		Reference: payload.Data.Reference,
	})
	if err != nil {
		metrics.WebhookIngressTotal.WithLabelValues("rejected").Inc()
		h.writeError(c, err)
		return
	}

	if existed && p.Status == StatusSuccess {
		// A retried delivery of an already processed charge.
		metrics.WebhookIngressTotal.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "already_processed", "payment": p})
		return
	}

	confirmed, err := h.svc.Confirm(c.Request.Context(), p.ID)
	if err != nil {
		metrics.WebhookIngressTotal.WithLabelValues("rejected").Inc()
		h.writeError(c, err)
		return
	}

	metrics.WebhookIngressTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "processed", "payment": confirmed})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "payment not found"})
	case errors.Is(err, billing.ErrBillNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "bill not found"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be positive"})
	case errors.Is(err, ErrInvalidMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_method", "message": "unknown payment method"})
	case errors.Is(err, ErrAlreadyFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "payment_failed", "message": "payment already failed"})
	case errors.Is(err, ErrNotSuccessful):
		c.JSON(http.StatusConflict, gin.H{"error": "not_successful", "message": "receipts attach to successful payments only"})
	case errors.Is(err, ErrVersionConflict), errors.Is(err, billing.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "concurrent update, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "payment operation failed"})
	}
}
