package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), "req_1"))
		c.Next()
	}, handler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func TestRespond_Envelope(t *testing.T) {
	w, env := perform(t, func(c *gin.Context) {
		Respond(c, InsufficientBalance, "not enough", map[string]any{"required": 11, "available": 5})
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, InsufficientBalance, env.Error.Code)
	assert.Equal(t, "not enough", env.Error.Message)
	assert.Equal(t, "req_1", env.Error.RequestID)
	assert.EqualValues(t, 11, env.Error.Details["required"])
}

func TestRespond_RetryableSetsRetryAfter(t *testing.T) {
	w, env := perform(t, func(c *gin.Context) {
		Respond(c, LockTimeout, "busy", nil)
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, LockTimeout, env.Error.Code)
}

func TestInternalError_HidesCause(t *testing.T) {
	w, env := perform(t, func(c *gin.Context) {
		InternalError(c, errors.New("pq: connection refused"))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, env.Error.Message, "pq")
	assert.Nil(t, env.Error.Details)
}

func TestCode_Status(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{InvalidRequest, 400},
		{SelfEscrow, 400},
		{DependencyNotSatisfied, 409},
		{ProviderInactive, 403},
		{InvalidAPIKey, 401},
		{NotAuthorized, 403},
		{EscrowNotFound, 404},
		{IdempotencyConflict, 409},
		{RateLimited, 429},
		{Code("SOMETHING_NEW"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.Status(), string(tt.code))
	}
}
