package customer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/safedeal/safedeal/internal/logging"
	"github.com/safedeal/safedeal/internal/validation"
)

// Handler provides HTTP handlers for the customer API.
type Handler struct {
	service *Service
}

// NewHandler creates a new customer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the customer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/customers", h.Register)
	r.GET("/customers", h.List)
	r.GET("/customers/:id", h.Get)
	r.POST("/customers/:id/deactivate", h.Deactivate)
}

// RegisterRequest is the payload for creating a customer.
type RegisterRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
	ReferredBy  string `json:"referredBy,omitempty"`
}

// Register handles POST /customers.
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.ReferredBy != "" && !validation.IsValidID(req.ReferredBy) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "referredBy is not a valid customer id",
		})
		return
	}

	cust, err := h.service.Register(ctx, req.DisplayName, req.ReferredBy)
	switch {
	case errors.Is(err, ErrEmptyDisplayName):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "displayName is required",
		})
		return
	case errors.Is(err, ErrReferrerNotFound), errors.Is(err, ErrReferrerInactive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_referrer",
			"message": "Referrer does not exist or is deactivated",
		})
		return
	case err != nil:
		logger.Error("failed to register customer", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register customer",
		})
		return
	}

	c.JSON(http.StatusCreated, cust)
}

// Get handles GET /customers/:id.
func (h *Handler) Get(c *gin.Context) {
	cust, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrCustomerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Customer not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get customer", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load customer",
		})
		return
	}
	c.JSON(http.StatusOK, cust)
}

// List handles GET /customers.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	customers, err := h.service.List(c.Request.Context(), limit, offset)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list customers", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list customers",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": customers, "count": len(customers)})
}

// Deactivate handles POST /customers/:id/deactivate.
func (h *Handler) Deactivate(c *gin.Context) {
	cust, err := h.service.Deactivate(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrCustomerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Customer not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to deactivate customer", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to deactivate customer",
		})
		return
	}
	c.JSON(http.StatusOK, cust)
}
