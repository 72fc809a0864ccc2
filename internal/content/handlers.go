package content

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ghprofit/velo-sub000/internal/idgen"
	"github.com/ghprofit/velo-sub000/internal/pagination"
	"github.com/ghprofit/velo-sub000/internal/validation"
)

// Handler provides HTTP endpoints for the content catalog.
type Handler struct {
	store Store
}

// NewHandler creates a new content handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the content catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contents", h.CreateContent)
	r.GET("/contents/:id", h.GetContent)
	r.GET("/creators/:id/contents", h.ListCreatorContents)
}

// CreateContent handles POST /api/v1/contents
func (h *Handler) CreateContent(c *gin.Context) {
	var req struct {
		CreatorID      string `json:"creatorId" binding:"required"`
		Title          string `json:"title" binding:"required"`
		BasePriceCents *int64 `json:"basePriceCents"`
		Publish        bool   `json:"publish"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("creatorId", req.CreatorID),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 300),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.BasePriceCents != nil && *req.BasePriceCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_price",
			"message": "basePriceCents must be positive",
		})
		return
	}

	now := time.Now().UTC()
	item := &Content{
		ID:             idgen.WithPrefix("cnt_"),
		CreatorID:      req.CreatorID,
		Title:          validation.SanitizeString(req.Title, 300),
		Status:         StatusDraft,
		BasePriceCents: req.BasePriceCents,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Publish {
		item.Status = StatusPublished
	}

	if err := h.store.Create(c.Request.Context(), item); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create content",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"content": item})
}

// GetContent handles GET /api/v1/contents/:id
func (h *Handler) GetContent(c *gin.Context) {
	item, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrContentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "content_not_found",
				"message": "Content not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load content",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": item})
}

// ListCreatorContents handles GET /api/v1/creators/:id/contents
//
// Supports cursor pagination: ?limit=20&cursor=<opaque>.
func (h *Handler) ListCreatorContents(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	items, err := h.store.ListByCreator(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list contents",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(items, limit, func(item *Content) pagination.Cursor {
		return pagination.Cursor{CreatedAt: item.CreatedAt, ID: item.ID}
	})
	c.JSON(http.StatusOK, gin.H{
		"contents":   page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
