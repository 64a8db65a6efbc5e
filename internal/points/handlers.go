package points

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/safedeal/safedeal/internal/idgen"
	"github.com/safedeal/safedeal/internal/logging"
)

// Handler provides HTTP handlers for the point API.
type Handler struct {
	service *Service
}

// NewHandler creates a new point handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the point routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/customers/:id/points", h.GetBalance)
	r.GET("/customers/:id/points/history", h.History)
	r.POST("/customers/:id/points/exchange", h.Exchange)
}

// GetBalance handles GET /customers/:id/points.
func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.service.GetBalance(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Point account not found",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get point balance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load point balance",
		})
		return
	}
	c.JSON(http.StatusOK, b)
}

// History handles GET /customers/:id/points/history.
func (h *Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load point history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load point history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ExchangeRequest is the payload for a points-to-cash exchange.
type ExchangeRequest struct {
	Points int64 `json:"points" binding:"required"`
}

// Exchange handles POST /customers/:id/points/exchange.
func (h *Handler) Exchange(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Exchange(ctx, c.Param("id"), req.Points, idgen.WithPrefix("exc_"))
	switch {
	case errors.Is(err, ErrInvalidPoints):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "points must be positive",
		})
		return
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Point account not found",
		})
		return
	case errors.Is(err, ErrInsufficientPoints):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_points",
			"message": "Point balance does not cover the exchange",
		})
		return
	case err != nil:
		logger.Error("points exchange failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to exchange points",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
