package tenancy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/propertyops/rentledger/internal/validation"
)

// Handler provides HTTP endpoints for tenancy management.
type Handler struct {
	svc *Service
}

// NewHandler creates a new tenancy handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up tenancy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenancies", h.CreateTenancy)
	r.GET("/tenancies/:id", h.GetTenancy)
	r.POST("/tenancies/:id/end", h.EndTenancy)
}

// CreateTenancy handles POST /v1/tenancies.
func (h *Handler) CreateTenancy(c *gin.Context) {
	var req struct {
		PropertyID  string `json:"propertyId" binding:"required"`
		ApartmentID string `json:"apartmentId" binding:"required"`
		TenantID    string `json:"tenantId" binding:"required"`
		TenantName  string `json:"tenantName"`
		RentAmount  string `json:"rentAmount" binding:"required"`
		DueDay      int    `json:"dueDay"`
		StartDate   string `json:"startDate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "propertyId, apartmentId, tenantId, and rentAmount required"})
		return
	}

	p := CreateParams{
		PropertyID:  req.PropertyID,
		ApartmentID: req.ApartmentID,
		TenantID:    req.TenantID,
		TenantName:  validation.SanitizeString(req.TenantName, 200),
		RentAmount:  req.RentAmount,
		DueDay:      req.DueDay,
	}
	if req.StartDate != "" {
		start, ok := validation.ParseDate(req.StartDate)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date", "message": "startDate must be RFC3339 or YYYY-MM-DD"})
			return
		}
		p.StartDate = start
	}

	t, err := h.svc.Create(c.Request.Context(), p)
	if err != nil {
		if errors.Is(err, ErrInvalidRent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "rent amount must be positive"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenancy"})
		return
	}
	c.JSON(http.StatusCreated, t)
}

// GetTenancy handles GET /v1/tenancies/:id.
func (h *Handler) GetTenancy(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenancy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load tenancy"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// EndTenancy handles POST /v1/tenancies/:id/end.
func (h *Handler) EndTenancy(c *gin.Context) {
	t, err := h.svc.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenancy not found"})
		case errors.Is(err, ErrAlreadyEnded):
			c.JSON(http.StatusConflict, gin.H{"error": "already_ended", "message": "tenancy already ended"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to end tenancy"})
		}
		return
	}
	c.JSON(http.StatusOK, t)
}
