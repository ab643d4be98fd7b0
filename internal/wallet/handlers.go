package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	svc *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:tenantId", h.GetBalance)
	r.POST("/wallets/:tenantId/topup", h.TopUp)
	r.GET("/wallets/:tenantId/history", h.GetHistory)
}

// GetBalance handles GET /v1/wallets/:tenantId.
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.svc.GetBalance(c.Request.Context(), c.Param("tenantId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load balance"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

// TopUp handles POST /v1/wallets/:tenantId/topup.
func (h *Handler) TopUp(c *gin.Context) {
	var req struct {
		Amount    string `json:"amount" binding:"required"`
		Reference string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount required"})
		return
	}

	tenantID := c.Param("tenantId")
	if err := h.svc.TopUp(c.Request.Context(), tenantID, req.Amount, req.Reference); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be positive"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "top-up failed"})
		return
	}

	bal, err := h.svc.GetBalance(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load balance"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

// GetHistory handles GET /v1/wallets/:tenantId/history.
// Supports cursor pagination: pass the nextCursor from a previous page
// as ?cursor= to continue.
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, next, hasMore, err := h.svc.GetHistory(c.Request.Context(), c.Param("tenantId"), c.Query("cursor"), limit)
	if err != nil {
		if err == ErrInvalidCursor {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "malformed pagination cursor"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load history"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	resp := gin.H{"entries": entries, "count": len(entries), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
