package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/logging"
)

const (
	// ContextKeyAccountID holds the authenticated account ID.
	ContextKeyAccountID = "authAccountID"
	// ContextKeyIsOperator holds whether the caller has operator rights.
	ContextKeyIsOperator = "authIsOperator"
)

// RequireAuth rejects requests without a valid credential and stores the
// principal in the gin context.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := bearer(c)
		p, err := m.Authenticate(c.Request.Context(), credential)
		switch {
		case err == nil:
		case errors.Is(err, ErrAccountSuspended):
			apierror.Respond(c, apierror.AccountSuspended, "account is suspended", nil)
			return
		case errors.Is(err, ErrNoAPIKey):
			apierror.Respond(c, apierror.InvalidAPIKey,
				"API key required. Include 'Authorization: Bearer sk_...' header.", nil)
			return
		case errors.Is(err, ErrInvalidAPIKey), errors.Is(err, ErrInvalidToken):
			apierror.Respond(c, apierror.InvalidAPIKey, "invalid API key", nil)
			return
		default:
			apierror.InternalError(c, err)
			return
		}

		c.Set(ContextKeyAccountID, p.AccountID)
		c.Set(ContextKeyIsOperator, p.IsOperator)
		ctx := logging.WithLogger(c.Request.Context(), logging.L(c.Request.Context()).With("account_id", p.AccountID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireOperator must follow RequireAuth.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextKeyIsOperator) {
			apierror.Respond(c, apierror.NotAuthorized, "operator credentials required", nil)
			return
		}
		c.Next()
	}
}

// AccountID returns the authenticated account, or "".
func AccountID(c *gin.Context) string {
	return c.GetString(ContextKeyAccountID)
}

// CallerKey identifies the caller for rate limiting: the account when
// authenticated, otherwise the client IP.
func CallerKey(c *gin.Context) string {
	if id := AccountID(c); id != "" {
		return id
	}
	if cred := bearer(c); cred != "" {
		return "key:" + hashKey(cred)[:16]
	}
	return "ip:" + c.ClientIP()
}

func bearer(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if k := c.GetHeader("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	return ""
}
