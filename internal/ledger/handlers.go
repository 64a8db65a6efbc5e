package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/safedeal/safedeal/internal/logging"
	"github.com/safedeal/safedeal/internal/validation"
)

// Handler provides HTTP endpoints for wallet balances and history.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up the wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/customers/:id/wallet", h.GetBalance)
	r.GET("/customers/:id/wallet/history", h.History)
}

// GetBalance handles GET /customers/:id/wallet.
func (h *Handler) GetBalance(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "customer id must look like cus_ followed by 24 hex chars",
		})
		return
	}

	b, err := h.ledger.GetBalance(c.Request.Context(), id)
	if errors.Is(err, ErrCustomerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Wallet not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get balance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load balance",
		})
		return
	}
	c.JSON(http.StatusOK, b)
}

// History handles GET /customers/:id/wallet/history.
func (h *Handler) History(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "customer id must look like cus_ followed by 24 hex chars",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.ledger.History(c.Request.Context(), id, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load ledger history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load ledger history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
