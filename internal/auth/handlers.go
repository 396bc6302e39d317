package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierror"
)

// Handler provides HTTP endpoints for API key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up key routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:id", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"operator":  "Operator actions accept an operator account key or an HS256 JWT with role=operator.",
		"note":      "API key is returned on account registration. Store it securely.",
		"public_endpoints": []string{
			"POST /v1/accounts/register",
			"GET /v1/stats",
			"GET /health",
		},
	})
}

// ListKeys returns API keys for the authenticated account
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), AccountID(c))
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKeyRequest names a new key.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues an additional key for the caller.
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), AccountID(c), req.Name)
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"api_key": rawKey, // Only shown once!
		"key":     key,
	})
}

// RevokeKey revokes one of the caller's keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	err := h.manager.RevokeKey(c.Request.Context(), c.Param("id"), AccountID(c))
	if errors.Is(err, ErrKeyNotFound) {
		apierror.Respond(c, apierror.InvalidRequest, "key not found", nil)
		return
	}
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
