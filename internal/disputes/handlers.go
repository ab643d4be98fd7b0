package disputes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for disputes and refunds.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/comments", h.AddComment)
	r.POST("/disputes/:id/review", h.ReviewDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/refund", h.RefundDispute)
	r.GET("/refunds/:id", h.GetRefund)
}

// OpenDispute handles POST /v1/disputes.
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		PaymentID string `json:"paymentId" binding:"required"`
		RaisedBy  string `json:"raisedBy" binding:"required"`
		Reason    string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "paymentId, raisedBy, and reason required"})
		return
	}

	d, err := h.svc.Open(c.Request.Context(), OpenParams{
		PaymentID: req.PaymentID,
		RaisedBy:  req.RaisedBy,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// GetDispute handles GET /v1/disputes/:id. Internal comments are
// included only when ?internal=true.
func (h *Handler) GetDispute(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := h.svc.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	includeInternal := c.Query("internal") == "true"
	comments, err := h.svc.Comments(ctx, d.ID, includeInternal)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "comments": comments})
}

// AddComment handles POST /v1/disputes/:id/comments.
func (h *Handler) AddComment(c *gin.Context) {
	var req struct {
		Author   string `json:"author" binding:"required"`
		Body     string `json:"body" binding:"required"`
		Internal bool   `json:"internal"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "author and body required"})
		return
	}

	comment, err := h.svc.AddComment(c.Request.Context(), c.Param("id"), req.Author, req.Body, req.Internal)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// ReviewDispute handles POST /v1/disputes/:id/review.
func (h *Handler) ReviewDispute(c *gin.Context) {
	d, err := h.svc.Review(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ResolveDispute handles POST /v1/disputes/:id/resolve.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome" binding:"required"`
		Note    string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "outcome required"})
		return
	}

	d, err := h.svc.Resolve(c.Request.Context(), c.Param("id"), Outcome(req.Outcome), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RefundDispute handles POST /v1/disputes/:id/refund.
func (h *Handler) RefundDispute(c *gin.Context) {
	d, err := h.svc.RefundNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetRefund handles GET /v1/refunds/:id.
func (h *Handler) GetRefund(c *gin.Context) {
	r, err := h.svc.GetRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "dispute not found"})
	case errors.Is(err, ErrRefundNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "refund not found"})
	case errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "payment not found"})
	case errors.Is(err, ErrPaymentNotFinal):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payment_not_final", "message": "only successful payments can be disputed"})
	case errors.Is(err, ErrEmptyReason):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
	case errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome", "message": "outcome must be accept or reject"})
	case errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrAlreadyRefunded):
		c.JSON(http.StatusConflict, gin.H{"error": "already_closed", "message": "dispute already reached a final state"})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": "dispute is not in a state that allows this operation"})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "dispute was modified concurrently, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "dispute operation failed"})
	}
}
