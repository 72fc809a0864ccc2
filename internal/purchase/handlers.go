package purchase

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghprofit/velo-sub000/internal/gateway"
	"github.com/ghprofit/velo-sub000/internal/metrics"
	"github.com/ghprofit/velo-sub000/internal/validation"
)

// Handler provides HTTP endpoints for the purchase lifecycle.
type Handler struct {
	service *Service
	gateway gateway.Client
}

// NewHandler creates a new purchase handler.
func NewHandler(service *Service, gw gateway.Client) *Handler {
	return &Handler{service: service, gateway: gw}
}

// RegisterRoutes sets up the purchase and access routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.OpenPurchase)
	r.GET("/purchases/:id", h.GetPurchase)
	r.POST("/purchases/:id/confirm", h.ConfirmPurchase)

	r.POST("/access/check", h.CheckAccess)
	r.POST("/access/grant", h.GrantAccess)
}

// RegisterDeviceRoutes sets up the device verification routes. These are
// registered separately so the server can apply the tighter rate limit.
func (h *Handler) RegisterDeviceRoutes(r *gin.RouterGroup) {
	r.POST("/access/devices/request", h.RequestDeviceCode)
	r.POST("/access/devices/verify", h.VerifyDeviceCode)
}

// RegisterWebhookRoutes sets up the payment gateway webhook ingest.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.GatewayWebhook)
}

// OpenPurchase handles POST /api/v1/purchases
func (h *Handler) OpenPurchase(c *gin.Context) {
	var req struct {
		ContentID    string `json:"contentId" binding:"required"`
		SessionToken string `json:"sessionToken"`
		Fingerprint  string `json:"fingerprint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("contentId", req.ContentID),
		validation.ValidFingerprint("fingerprint", req.Fingerprint),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.Open(c.Request.Context(), OpenRequest{
		ContentID:    req.ContentID,
		SessionToken: req.SessionToken,
		Fingerprint:  req.Fingerprint,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if result.AlreadyPurchased {
		c.JSON(http.StatusOK, gin.H{
			"alreadyPurchased": true,
			"purchase":         result.Purchase,
			"sessionToken":     result.SessionToken,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"purchase":     result.Purchase,
		"clientSecret": result.ClientSecret,
		"sessionToken": result.SessionToken,
	})
}

// GetPurchase handles GET /api/v1/purchases/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": p})
}

// ConfirmPurchase handles POST /api/v1/purchases/:id/confirm
func (h *Handler) ConfirmPurchase(c *gin.Context) {
	var req struct {
		GatewayIntentID string `json:"gatewayIntentId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := h.service.Confirm(c.Request.Context(), c.Param("id"), req.GatewayIntentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": p})
}

// GatewayWebhook handles POST /api/v1/webhooks/gateway
//
// Only signature and envelope failures produce a 400. Processing errors
// return 500 so the gateway redelivers the event; redelivery is safe because
// every reconciliation path is idempotent.
func (h *Handler) GatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "read_error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	ev, err := h.gateway.VerifyAndParseEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	if err := h.service.HandleEvent(c.Request.Context(), ev); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "processed").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type accessRequest struct {
	AccessToken string `json:"accessToken" binding:"required"`
	Fingerprint string `json:"fingerprint" binding:"required"`
}

// CheckAccess handles POST /api/v1/access/check
func (h *Handler) CheckAccess(c *gin.Context) {
	var req accessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	elig, err := h.service.CheckEligibility(c.Request.Context(), req.AccessToken, req.Fingerprint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, elig)
}

// GrantAccess handles POST /api/v1/access/grant
func (h *Handler) GrantAccess(c *gin.Context) {
	var req accessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	grant, err := h.service.GrantAccess(c.Request.Context(), req.AccessToken, req.Fingerprint, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"content":         grant.Content,
		"accessExpiresAt": grant.Purchase.AccessExpiresAt,
	})
}

// RequestDeviceCode handles POST /api/v1/access/devices/request
func (h *Handler) RequestDeviceCode(c *gin.Context) {
	var req struct {
		AccessToken string `json:"accessToken" binding:"required"`
		Fingerprint string `json:"fingerprint" binding:"required"`
		Email       string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidEmail("email", req.Email),
		validation.ValidFingerprint("fingerprint", req.Fingerprint),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if err := h.service.RequestDeviceCode(c.Request.Context(), req.AccessToken, req.Fingerprint, req.Email); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// VerifyDeviceCode handles POST /api/v1/access/devices/verify
func (h *Handler) VerifyDeviceCode(c *gin.Context) {
	var req struct {
		AccessToken string `json:"accessToken" binding:"required"`
		Fingerprint string `json:"fingerprint" binding:"required"`
		Code        string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidCode("code", req.Code),
		validation.ValidFingerprint("fingerprint", req.Fingerprint),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, err := h.service.VerifyDeviceCode(c.Request.Context(), req.AccessToken, req.Fingerprint, req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trusted":        true,
		"trustedDevices": len(p.TrustedFingerprints),
	})
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPurchaseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "purchase_not_found", "message": "Purchase not found"})
	case errors.Is(err, ErrContentUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": "content_unavailable", "message": "Content is not available for purchase"})
	case errors.Is(err, ErrPaymentNotCompleted), errors.Is(err, ErrNotCompleted):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_not_completed", "message": "Payment has not completed"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Purchase is not in a state that allows this operation"})
	case errors.Is(err, ErrRefunded):
		c.JSON(http.StatusForbidden, gin.H{"error": "refunded", "message": "This purchase was fully refunded"})
	case errors.Is(err, ErrAccessExpired):
		c.JSON(http.StatusForbidden, gin.H{"error": "access_expired", "message": "The access window has expired"})
	case errors.Is(err, ErrDeviceNotTrusted):
		c.JSON(http.StatusForbidden, gin.H{"error": "device_not_trusted", "message": "This device is not verified for the purchase"})
	case errors.Is(err, ErrEmailMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "email_mismatch", "message": "Email does not match the purchasing session"})
	case errors.Is(err, ErrDeviceLimitReached):
		c.JSON(http.StatusConflict, gin.H{"error": "device_limit_reached", "message": "Trusted device limit reached"})
	case errors.Is(err, ErrInvalidOrExpiredCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code", "message": "Verification code is invalid or expired"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}
