package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/safedeal/safedeal/internal/customer"
	"github.com/safedeal/safedeal/internal/fees"
	"github.com/safedeal/safedeal/internal/ledger"
	"github.com/safedeal/safedeal/internal/logging"
	"github.com/safedeal/safedeal/internal/validation"
)

// ActorHeader carries the authenticated customer id, set by the access
// layer in front of this service.
const ActorHeader = "X-Customer-ID"

// Handler provides HTTP handlers for the transaction API.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Create)
	r.GET("/transactions/:id", h.Get)
	r.POST("/transactions/:id/confirm", h.apply(ActionConfirm))
	r.POST("/transactions/:id/ship", h.apply(ActionShip))
	r.POST("/transactions/:id/receive", h.apply(ActionReceive))
	r.POST("/transactions/:id/cancel", h.apply(ActionCancel))
	r.GET("/customers/:id/transactions", h.ListByCustomer)
}

// actor extracts and validates the acting customer id. Writes the error
// response and returns "" when the header is missing or malformed.
func actor(c *gin.Context) string {
	id := c.GetHeader(ActorHeader)
	if !validation.IsValidID(id) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing_actor",
			"message": "A valid " + ActorHeader + " header is required",
		})
		return ""
	}
	return id
}

// Create handles POST /transactions.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	buyerID := actor(c)
	if buyerID == "" {
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidID(req.SellerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sellerId is not a valid customer id",
		})
		return
	}
	req.BuyerID = buyerID

	t, err := h.service.Create(ctx, req)
	switch {
	case errors.Is(err, ErrSameParty), errors.Is(err, ErrInvalidDuration),
		errors.Is(err, fees.ErrInvalidAmount), errors.Is(err, fees.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	case errors.Is(err, customer.ErrCustomerNotFound), errors.Is(err, customer.ErrCustomerInactive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_party",
			"message": "Both parties must be registered active customers",
		})
		return
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_funds",
			"message": "Available balance does not cover the amount plus fee",
		})
		return
	case err != nil:
		logger.Error("failed to create transaction", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create transaction",
		})
		return
	}

	c.JSON(http.StatusCreated, t)
}

// apply returns a handler performing the given transition action.
func (h *Handler) apply(action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := logging.L(ctx)

		actorID := actor(c)
		if actorID == "" {
			return
		}

		t, err := h.service.Apply(ctx, c.Param("id"), action, actorID)
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Actor is not a party to this transaction",
			})
			return
		case errors.Is(err, ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": "Action not allowed from the current state for this actor",
			})
			return
		case err != nil:
			logger.Error("transition failed", "action", action, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to apply transition",
			})
			return
		}

		c.JSON(http.StatusOK, t)
	}
}

// Get handles GET /transactions/:id. Only the parties may read it.
func (h *Handler) Get(c *gin.Context) {
	actorID := actor(c)
	if actorID == "" {
		return
	}

	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrTransactionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get transaction", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transaction",
		})
		return
	}
	if !t.IsParty(actorID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Actor is not a party to this transaction",
		})
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListByCustomer handles GET /customers/:id/transactions.
func (h *Handler) ListByCustomer(c *gin.Context) {
	actorID := actor(c)
	if actorID == "" {
		return
	}
	customerID := c.Param("id")
	if actorID != customerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Customers may only list their own transactions",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListByCustomer(c.Request.Context(), customerID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list transactions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list, "count": len(list)})
}
