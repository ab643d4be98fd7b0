package prepay

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/propertyops/rentledger/internal/validation"
)

// Handler provides HTTP endpoints for prepayments and allocations.
type Handler struct {
	svc *Service
}

// NewHandler creates a new prepayment handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up prepayment routes. The bill-allocations route
// lives here because this package owns the allocation audit store.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/prepayments", h.CreatePrepayment)
	r.GET("/prepayments/:id", h.GetPrepayment)
	r.POST("/prepayments/:id/allocate", h.Allocate)
	r.GET("/prepayments/:id/allocations", h.PrepaymentAllocations)
	r.GET("/bills/:id/allocations", h.BillAllocations)
}

// CreatePrepayment handles POST /v1/prepayments.
func (h *Handler) CreatePrepayment(c *gin.Context) {
	var req struct {
		TenantID    string `json:"tenantId" binding:"required"`
		ApartmentID string `json:"apartmentId" binding:"required"`
		Amount      string `json:"amount" binding:"required"`
		Note        string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenantId, apartmentId, and amount required"})
		return
	}

	p, err := h.svc.Create(c.Request.Context(), req.TenantID, req.ApartmentID,
		req.Amount, validation.SanitizeString(req.Note, 500))
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be positive"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create prepayment"})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GetPrepayment handles GET /v1/prepayments/:id.
func (h *Handler) GetPrepayment(c *gin.Context) {
	p, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "prepayment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load prepayment"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Allocate handles POST /v1/prepayments/:id/allocate.
func (h *Handler) Allocate(c *gin.Context) {
	result, err := h.svc.Allocate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "prepayment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "allocation failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// PrepaymentAllocations handles GET /v1/prepayments/:id/allocations,
// the audit trail of where one deposit's money went.
func (h *Handler) PrepaymentAllocations(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.svc.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "prepayment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load prepayment"})
		return
	}

	allocs, err := h.svc.AllocationsFromSource(c.Request.Context(), "prepayment", id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load allocations"})
		return
	}
	if allocs == nil {
		allocs = []*Allocation{}
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocs, "count": len(allocs)})
}

// BillAllocations handles GET /v1/bills/:id/allocations.
func (h *Handler) BillAllocations(c *gin.Context) {
	allocs, err := h.svc.AllocationsForBill(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load allocations"})
		return
	}
	if allocs == nil {
		allocs = []*Allocation{}
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocs, "count": len(allocs)})
}
