package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for creator balance reads.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/creators/:id/balance", h.GetBalance)
}

// GetBalance handles GET /creators/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	acct, err := h.service.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "No ledger account exists for this creator",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to load creator balance",
		})
		return
	}
	c.JSON(http.StatusOK, acct)
}
