package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/ledger"
)

func setupRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1", RequireAuth(f.manager))
	v1.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"account_id":  AccountID(c),
			"is_operator": c.GetBool(ContextKeyIsOperator),
		})
	})
	v1.POST("/resolve", RequireOperator(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	NewHandler(f.manager).RegisterRoutes(v1)
	return r
}

func request(r http.Handler, method, path, credential string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) apierror.Code {
	t.Helper()
	var env apierror.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error.Code
}

func TestRequireAuth(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)
	acct := f.account(t, ledger.RoleAgent)
	raw, _, err := f.manager.GenerateKey(context.Background(), acct.ID, "")
	require.NoError(t, err)

	w := request(r, http.MethodGet, "/v1/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apierror.InvalidAPIKey, errorCode(t, w))

	w = request(r, http.MethodGet, "/v1/whoami", "sk_bogus")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = request(r, http.MethodGet, "/v1/whoami", raw)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), acct.ID)

	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set("X-API-Key", raw)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err = f.ledger.SetStatus(context.Background(), acct.ID, ledger.AccountSuspended)
	require.NoError(t, err)
	w = request(r, http.MethodGet, "/v1/whoami", raw)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apierror.AccountSuspended, errorCode(t, w))
}

func TestRequireOperator(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)
	agent := f.account(t, ledger.RoleAgent)
	agentKey, _, err := f.manager.GenerateKey(context.Background(), agent.ID, "")
	require.NoError(t, err)

	w := request(r, http.MethodPost, "/v1/resolve", agentKey)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apierror.NotAuthorized, errorCode(t, w))

	token, err := f.manager.IssueOperatorToken("mediator", time.Minute)
	require.NoError(t, err)
	w = request(r, http.MethodPost, "/v1/resolve", token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestKeyHandlers(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)
	acct := f.account(t, ledger.RoleAgent)
	raw, first, err := f.manager.GenerateKey(context.Background(), acct.ID, "first")
	require.NoError(t, err)

	w := request(r, http.MethodPost, "/v1/auth/keys", raw)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Contains(t, created.APIKey, "sk_")

	w = request(r, http.MethodGet, "/v1/auth/keys", created.APIKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hash")
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	w = request(r, http.MethodDelete, "/v1/auth/keys/"+first.ID, created.APIKey)
	require.Equal(t, http.StatusOK, w.Code)
	w = request(r, http.MethodGet, "/v1/whoami", raw)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
