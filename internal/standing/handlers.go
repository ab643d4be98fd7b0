package standing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for standing orders.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up standing-order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/standing-orders", h.CreateOrder)
	r.GET("/standing-orders/:id", h.GetOrder)
	r.POST("/standing-orders/:id/toggle", h.ToggleOrder)
	r.POST("/standing-orders/run", h.RunNow)
}

// CreateOrder handles POST /v1/standing-orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req struct {
		TenancyID   string   `json:"tenancyId" binding:"required"`
		TenantID    string   `json:"tenantId" binding:"required"`
		ApartmentID string   `json:"apartmentId" binding:"required"`
		PayAllBills bool     `json:"payAllBills"`
		BillTypes   []string `json:"billTypes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenancyId, tenantId, and apartmentId required"})
		return
	}
	if !req.PayAllBills && len(req.BillTypes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "billTypes required unless payAllBills is set"})
		return
	}

	o, err := h.svc.Create(c.Request.Context(), CreateParams{
		TenancyID:   req.TenancyID,
		TenantID:    req.TenantID,
		ApartmentID: req.ApartmentID,
		PayAllBills: req.PayAllBills,
		BillTypes:   req.BillTypes,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create standing order"})
		return
	}
	c.JSON(http.StatusCreated, o)
}

// GetOrder handles GET /v1/standing-orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "standing order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load standing order"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// ToggleOrder handles POST /v1/standing-orders/:id/toggle.
func (h *Handler) ToggleOrder(c *gin.Context) {
	o, err := h.svc.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "standing order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to toggle standing order"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// RunNow handles POST /v1/standing-orders/run. It triggers a scheduler
// tick immediately rather than waiting for the timer.
func (h *Handler) RunNow(c *gin.Context) {
	result, err := h.svc.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "standing order run failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}
