package billing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/propertyops/rentledger/internal/validation"
)

// Handler provides HTTP endpoints for bills and invoices.
type Handler struct {
	svc *Service
}

// NewHandler creates a new billing handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up bill and invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bills", h.CreateBill)
	r.GET("/bills", h.ListBills)
	r.GET("/bills/:id", h.GetBill)
	r.POST("/bills/schedule", h.GenerateSchedule)
	r.POST("/invoices", h.IssueInvoice)
	r.GET("/invoices/:id", h.GetInvoice)
	r.POST("/invoices/:id/cancel", h.CancelInvoice)
}

// CreateBill handles POST /v1/bills.
func (h *Handler) CreateBill(c *gin.Context) {
	var req struct {
		TenancyID   string `json:"tenancyId" binding:"required"`
		ApartmentID string `json:"apartmentId" binding:"required"`
		Type        string `json:"type"`
		Period      string `json:"period" binding:"required"`
		DueDate     string `json:"dueDate" binding:"required"`
		Amount      string `json:"amount" binding:"required"`
		Notes       string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenancyId, apartmentId, period, dueDate, and amount required"})
		return
	}

	if !validation.IsValidPeriod(req.Period) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period", "message": "period must be YYYY-MM"})
		return
	}
	due, ok := validation.ParseDate(req.DueDate)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date", "message": "dueDate must be RFC3339 or YYYY-MM-DD"})
		return
	}

	b, err := h.svc.CreateBill(c.Request.Context(), CreateParams{
		TenancyID:   req.TenancyID,
		ApartmentID: req.ApartmentID,
		Type:        BillType(req.Type),
		Period:      req.Period,
		DueDate:     due,
		Amount:      req.Amount,
		Notes:       validation.SanitizeString(req.Notes, 500),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be positive"})
		case errors.Is(err, ErrDuplicateBill):
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_bill", "message": "bill already exists for this tenancy, period, and type"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create bill"})
		}
		return
	}
	c.JSON(http.StatusCreated, b)
}

// GetBill handles GET /v1/bills/:id.
func (h *Handler) GetBill(c *gin.Context) {
	b, err := h.svc.GetBill(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBillNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "bill not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load bill"})
		return
	}
	c.JSON(http.StatusOK, b)
}

// ListBills handles GET /v1/bills with optional filters.
func (h *Handler) ListBills(c *gin.Context) {
	f := BillFilter{
		ApartmentID: c.Query("apartmentId"),
		TenancyID:   c.Query("tenancyId"),
		Status:      BillStatus(c.Query("status")),
		Period:      c.Query("period"),
	}
	bills, err := h.svc.ListBills(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list bills"})
		return
	}
	if bills == nil {
		bills = []*Bill{}
	}
	c.JSON(http.StatusOK, gin.H{"bills": bills, "count": len(bills)})
}

// GenerateSchedule handles POST /v1/bills/schedule.
func (h *Handler) GenerateSchedule(c *gin.Context) {
	var req struct {
		PropertyID string `json:"propertyId" binding:"required"`
		Period     string `json:"period" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "propertyId and period required"})
		return
	}
	if !validation.IsValidPeriod(req.Period) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period", "message": "period must be YYYY-MM"})
		return
	}

	created, err := h.svc.GenerateMonthlySchedule(c.Request.Context(), req.PropertyID, req.Period)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "schedule generation failed"})
		return
	}
	if created == nil {
		created = []*Bill{}
	}
	c.JSON(http.StatusCreated, gin.H{"bills": created, "count": len(created)})
}

// IssueInvoice handles POST /v1/invoices.
func (h *Handler) IssueInvoice(c *gin.Context) {
	var req struct {
		TenancyID string   `json:"tenancyId" binding:"required"`
		BillIDs   []string `json:"billIds" binding:"required"`
		DueDate   string   `json:"dueDate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenancyId and billIds required"})
		return
	}

	dueDate, ok := validation.ParseDate(req.DueDate)
	if req.DueDate != "" && !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date", "message": "dueDate must be RFC3339 or YYYY-MM-DD"})
		return
	}

	inv, err := h.svc.IssueInvoice(c.Request.Context(), req.TenancyID, req.BillIDs, dueDate)
	if err != nil {
		switch {
		case errors.Is(err, ErrBillNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "bill not found"})
		case errors.Is(err, ErrDuplicateBill):
			c.JSON(http.StatusConflict, gin.H{"error": "already_invoiced", "message": "bill already belongs to another invoice"})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "at least one bill required"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to issue invoice"})
		}
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// GetInvoice handles GET /v1/invoices/:id.
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.svc.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "invoice not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load invoice"})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// CancelInvoice handles POST /v1/invoices/:id/cancel.
func (h *Handler) CancelInvoice(c *gin.Context) {
	inv, err := h.svc.CancelInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvoiceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "invoice not found"})
		case errors.Is(err, ErrInvoiceCancelled):
			c.JSON(http.StatusConflict, gin.H{"error": "already_cancelled", "message": "invoice already cancelled"})
		case errors.Is(err, ErrInvoicePaid):
			c.JSON(http.StatusConflict, gin.H{"error": "already_paid", "message": "paid invoices cannot be cancelled"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to cancel invoice"})
		}
		return
	}
	c.JSON(http.StatusOK, inv)
}
