package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/safedeal/safedeal/internal/escrow"
	"github.com/safedeal/safedeal/internal/logging"
	"github.com/safedeal/safedeal/internal/validation"
)

// AdminHeader identifies the adjudicating operator on admin routes.
const AdminHeader = "X-Admin-ID"

// Handler provides HTTP handlers for the dispute API.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the party-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/dispute", h.Open)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up the adjudication routes. The caller is
// expected to guard the group with admin authentication middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListOpen)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

func actor(c *gin.Context) string {
	id := c.GetHeader(escrow.ActorHeader)
	if !validation.IsValidID(id) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing_actor",
			"message": "A valid " + escrow.ActorHeader + " header is required",
		})
		return ""
	}
	return id
}

// OpenRequest is the body for POST /transactions/:id/dispute.
type OpenRequest struct {
	Reason   string `json:"reason" binding:"required"`
	Evidence string `json:"evidence"`
}

// Open handles POST /transactions/:id/dispute.
func (h *Handler) Open(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	openerID := actor(c)
	if openerID == "" {
		return
	}

	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A reason is required to open a dispute",
		})
		return
	}

	d, err := h.service.Open(ctx, c.Param("id"), openerID, req.Reason, req.Evidence)
	switch {
	case errors.Is(err, ErrEmptyReason):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	case errors.Is(err, escrow.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	case errors.Is(err, escrow.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only a party to the transaction may open a dispute",
		})
		return
	case errors.Is(err, ErrAlreadyOpen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_disputed",
			"message": "Transaction already has an open dispute",
		})
		return
	case errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "Transaction state does not allow opening a dispute",
		})
		return
	case err != nil:
		logger.Error("failed to open dispute", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to open dispute",
		})
		return
	}

	c.JSON(http.StatusCreated, d)
}

// Get handles GET /disputes/:id. Only the parties of the parent
// transaction may read a dispute.
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	actorID := actor(c)
	if actorID == "" {
		return
	}

	d, err := h.service.Get(ctx, c.Param("id"))
	if errors.Is(err, ErrDisputeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("failed to get dispute", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load dispute",
		})
		return
	}

	t, err := h.service.Transaction(ctx, d)
	if err != nil {
		logging.L(ctx).Error("failed to load dispute transaction", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load dispute",
		})
		return
	}
	if !t.IsParty(actorID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Actor is not a party to this dispute",
		})
		return
	}
	c.JSON(http.StatusOK, d)
}

// Cancel handles POST /disputes/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	actorID := actor(c)
	if actorID == "" {
		return
	}

	d, err := h.service.Cancel(ctx, c.Param("id"), actorID)
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
		return
	case errors.Is(err, ErrNotOpener):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the opener may cancel a dispute",
		})
		return
	case errors.Is(err, ErrDisputeNotOpen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_open",
			"message": "Dispute is already closed",
		})
		return
	case err != nil:
		logger.Error("failed to cancel dispute", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to cancel dispute",
		})
		return
	}

	c.JSON(http.StatusOK, d)
}

// ListOpen handles GET /disputes on the admin group.
func (h *Handler) ListOpen(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list open disputes", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list disputes",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// ResolveRequest is the body for POST /disputes/:id/resolve.
type ResolveRequest struct {
	Result        string `json:"result" binding:"required"`
	PartialAmount int64  `json:"partialAmount"`
}

// Resolve handles POST /disputes/:id/resolve on the admin group.
func (h *Handler) Resolve(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	adminID := c.GetHeader(AdminHeader)
	if adminID == "" {
		adminID = "admin"
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A result is required",
		})
		return
	}

	d, err := h.service.Resolve(ctx, c.Param("id"), escrow.Outcome(req.Result), adminID, req.PartialAmount)
	switch {
	case errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
		return
	case errors.Is(err, ErrDisputeNotOpen), errors.Is(err, escrow.ErrNotDisputed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_open",
			"message": "Dispute is not open for resolution",
		})
		return
	case errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Partial refund amount must be between 0 and the transaction amount",
		})
		return
	case err != nil:
		logger.Error("failed to resolve dispute", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to resolve dispute",
		})
		return
	}

	c.JSON(http.StatusOK, d)
}
