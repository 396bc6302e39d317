package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/ledger"
)

type fakeCounter struct {
	counts map[escrow.Status]int
	err    error
}

func (f *fakeCounter) CountByStatus(context.Context) (map[escrow.Status]int, error) {
	return f.counts, f.err
}

type harness struct {
	router  *gin.Engine
	ledger  *ledger.Ledger
	keys    *auth.Manager
	counter *fakeCounter
}

func setup(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := ledger.New(ledger.NewMemoryStore(), "UNIT")
	keys := auth.NewManager(auth.NewMemoryStore(), l, "")
	counter := &fakeCounter{counts: map[escrow.Status]int{}}
	h := NewHandler(l, keys, counter, 1000)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterPublicRoutes(v1)
	authed := v1.Group("", auth.RequireAuth(keys))
	h.RegisterRoutes(authed)
	return &harness{router: r, ledger: l, keys: keys, counter: counter}
}

func (h *harness) do(method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// register returns the new account ID and its API key.
func (h *harness) register(t *testing.T, name string) (string, string) {
	t.Helper()
	w := h.do(http.MethodPost, "/v1/accounts/register", "", map[string]any{
		"name":   name,
		"skills": []string{"Translation", "summarize"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Account struct {
			ID string `json:"account_id"`
		} `json:"account"`
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Account.ID, resp.APIKey
}

func (h *harness) operator(t *testing.T) string {
	t.Helper()
	acct, err := h.ledger.OpenAccount(context.Background(), &ledger.Account{
		Name: "ops",
		Role: ledger.RoleOperator,
	}, 0)
	require.NoError(t, err)
	key, _, err := h.keys.GenerateKey(context.Background(), acct.ID, "ops")
	require.NoError(t, err)
	return key
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) apierror.Code {
	t.Helper()
	var env apierror.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error.Code
}

func TestRegister(t *testing.T) {
	h := setup(t)

	w := h.do(http.MethodPost, "/v1/accounts/register", "", map[string]any{"name": "alice"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(1000), resp["starter_tokens"])
	assert.Regexp(t, `^sk_`, resp["api_key"])
	acct := resp["account"].(map[string]any)
	assert.Equal(t, "alice", acct["name"])
	assert.Equal(t, "active", acct["status"])
	assert.Equal(t, "agent", acct["role"])
	assert.NotEmpty(t, acct["reputation_tier"])

	bal, err := h.ledger.GetBalance(context.Background(), acct["account_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available)
}

func TestRegister_Validation(t *testing.T) {
	h := setup(t)

	w := h.do(http.MethodPost, "/v1/accounts/register", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apierror.InvalidRequest, errorCode(t, w))

	skills := make([]string, maxSkills+1)
	for i := range skills {
		skills[i] = "s"
	}
	w = h.do(http.MethodPost, "/v1/accounts/register", "", map[string]any{"name": "x", "skills": skills})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMe_RequiresKey(t *testing.T) {
	h := setup(t)

	w := h.do(http.MethodGet, "/v1/accounts/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/v1/accounts/me", "sk_not_a_real_key_at_all_000000", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apierror.InvalidAPIKey, errorCode(t, w))
}

func TestMe(t *testing.T) {
	h := setup(t)
	id, key := h.register(t, "alice")

	w := h.do(http.MethodGet, "/v1/accounts/me", key, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Account map[string]any `json:"account"`
		Balance ledger.Balance `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Account["account_id"])
	assert.Equal(t, int64(1000), resp.Balance.Available)
}

func TestGetAccount(t *testing.T) {
	h := setup(t)
	_, key := h.register(t, "alice")
	bobID, _ := h.register(t, "bob")

	w := h.do(http.MethodGet, "/v1/accounts/"+bobID, key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"bob"`)

	w = h.do(http.MethodGet, "/v1/accounts/acct_missing", key, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apierror.AccountNotFound, errorCode(t, w))
}

func TestUpdateSkills(t *testing.T) {
	h := setup(t)
	id, key := h.register(t, "alice")

	w := h.do(http.MethodPut, "/v1/accounts/skills", key, map[string]any{
		"skills":      []string{"Code-Review"},
		"description": "reviews Go",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	acct, err := h.ledger.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "reviews Go", acct.Description)
	assert.Len(t, acct.Skills, 1)
}

func TestBalanceAndTransactions(t *testing.T) {
	h := setup(t)
	_, key := h.register(t, "alice")

	w := h.do(http.MethodGet, "/v1/exchange/balance", key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal ledger.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Held)

	w = h.do(http.MethodGet, "/v1/exchange/transactions?limit=10", key, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	assert.Equal(t, 1, txs.Count)

	w = h.do(http.MethodGet, "/v1/exchange/transactions?limit=0", key, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeposit_OperatorOnly(t *testing.T) {
	h := setup(t)
	id, key := h.register(t, "alice")
	opKey := h.operator(t)

	body := map[string]any{"account_id": id, "amount": 500}
	w := h.do(http.MethodPost, "/v1/exchange/deposit", key, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apierror.NotAuthorized, errorCode(t, w))

	w = h.do(http.MethodPost, "/v1/exchange/deposit", opKey, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bal, err := h.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), bal.Available)

	w = h.do(http.MethodPost, "/v1/exchange/deposit", opKey, map[string]any{"account_id": id, "amount": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apierror.InvalidAmount, errorCode(t, w))

	w = h.do(http.MethodPost, "/v1/exchange/deposit", opKey, map[string]any{"account_id": "acct_nope", "amount": 5})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSuspendAndReactivate(t *testing.T) {
	h := setup(t)
	id, key := h.register(t, "alice")
	opKey := h.operator(t)

	w := h.do(http.MethodPost, "/v1/accounts/admin/suspend", opKey, map[string]any{
		"account_id": id,
		"reason":     "abuse",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Suspended accounts cannot authenticate.
	w = h.do(http.MethodGet, "/v1/accounts/me", key, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apierror.AccountSuspended, errorCode(t, w))

	w = h.do(http.MethodPost, "/v1/accounts/admin/reactivate", opKey, map[string]any{"account_id": id})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/v1/accounts/me", key, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSuspend_OperatorTargetRejected(t *testing.T) {
	h := setup(t)
	opKey := h.operator(t)

	w := h.do(http.MethodGet, "/v1/accounts/me", opKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		Account map[string]any `json:"account"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))

	w = h.do(http.MethodPost, "/v1/accounts/admin/suspend", opKey, map[string]any{
		"account_id": me.Account["account_id"],
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	h := setup(t)
	h.register(t, "alice")
	h.register(t, "bob")
	h.counter.counts = map[escrow.Status]int{
		escrow.StatusHeld:     2,
		escrow.StatusDisputed: 1,
		escrow.StatusReleased: 4,
	}

	w := h.do(http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["accounts"])
	assert.Equal(t, float64(3), resp["active_escrows"])
	assert.Equal(t, true, resp["conserved"])
	supply := resp["token_supply"].(map[string]any)
	assert.Equal(t, float64(2000), supply["total"])

	h.counter.err = errors.New("db down")
	w = h.do(http.MethodGet, "/v1/stats", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestReconcile(t *testing.T) {
	h := setup(t)
	h.register(t, "alice")
	opKey := h.operator(t)

	w := h.do(http.MethodGet, "/v1/admin/reconcile", opKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"ok":true`)
}
