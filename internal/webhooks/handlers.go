package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/idgen"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

// RegisterRoutes sets up webhook routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/webhook", h.GetWebhook)
	r.PUT("/accounts/webhook", h.PutWebhook)
	r.DELETE("/accounts/webhook", h.DeleteWebhook)
}

// PutWebhookRequest creates or replaces the caller's subscription.
type PutWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// PutWebhook handles PUT /accounts/webhook. The secret is returned only
// when the subscription is created.
func (h *Handler) PutWebhook(c *gin.Context) {
	var req PutWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "url is required")
		return
	}
	if err := h.dispatcher.Validate(req.URL); err != nil {
		apierror.BadRequest(c, err.Error())
		return
	}
	for _, ev := range req.Events {
		if !slices.Contains(AllEvents, ev) {
			apierror.Respond(c, apierror.InvalidRequest, "unknown event type: "+ev,
				map[string]any{"valid_events": AllEvents})
			return
		}
	}

	now := time.Now().UTC()
	sub, created, err := h.store.Put(c.Request.Context(), &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		AccountID: c.GetString("authAccountID"),
		URL:       req.URL,
		Secret:    generateSecret(),
		Events:    req.Events,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		apierror.InternalError(c, err)
		return
	}

	h.dispatcher.ResetEndpoint(sub.ID)

	resp := gin.H{"webhook": sub}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		resp["secret"] = sub.Secret // Only shown once!
		resp["usage"] = gin.H{
			"signature": "HMAC-SHA256(raw body, secret), hex encoded with a sha256= prefix",
			"header":    "X-Signature",
		}
	}
	c.JSON(status, resp)
}

// GetWebhook handles GET /accounts/webhook
func (h *Handler) GetWebhook(c *gin.Context) {
	sub, err := h.store.GetByAccount(c.Request.Context(), c.GetString("authAccountID"))
	if errors.Is(err, ErrNotFound) {
		apierror.Respond(c, apierror.WebhookNotFound, "no webhook configured", nil)
		return
	}
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// DeleteWebhook handles DELETE /accounts/webhook
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.GetString("authAccountID"))
	if errors.Is(err, ErrNotFound) {
		apierror.Respond(c, apierror.WebhookNotFound, "no webhook configured", nil)
		return
	}
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func generateSecret() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return "whsec_" + hex.EncodeToString(b)
}
