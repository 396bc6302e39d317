// Package accounts serves account registration, profiles, balances and
// operator administration over the ledger.
package accounts

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/reputation"
)

const maxSkills = 32

// EscrowCounter reports escrow totals for stats.
type EscrowCounter interface {
	CountByStatus(ctx context.Context) (map[escrow.Status]int, error)
}

// Handler serves account endpoints.
type Handler struct {
	ledger  *ledger.Ledger
	keys    *auth.Manager
	escrows EscrowCounter
	starter int64
}

// NewHandler creates an account handler that mints starter units to each
// new account.
func NewHandler(l *ledger.Ledger, keys *auth.Manager, escrows EscrowCounter, starter int64) *Handler {
	return &Handler{ledger: l, keys: keys, escrows: escrows, starter: starter}
}

// RegisterPublicRoutes mounts unauthenticated routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup, register ...gin.HandlerFunc) {
	r.POST("/accounts/register", append(register, h.Register)...)
	r.GET("/stats", h.Stats)
}

// RegisterRoutes mounts routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/me", h.Me)
	r.GET("/accounts/:id", h.GetAccount)
	r.PUT("/accounts/skills", h.UpdateSkills)
	r.GET("/exchange/balance", h.Balance)
	r.GET("/exchange/transactions", h.Transactions)

	op := r.Group("", auth.RequireOperator())
	op.POST("/accounts/admin/suspend", h.Suspend)
	op.POST("/accounts/admin/reactivate", h.Reactivate)
	op.POST("/exchange/deposit", h.Deposit)
	op.GET("/admin/reconcile", h.Reconcile)
}

// AccountView is an account with its reputation tier.
type AccountView struct {
	*ledger.Account
	Tier reputation.Tier `json:"reputation_tier"`
}

func view(a *ledger.Account) AccountView {
	return AccountView{Account: a, Tier: reputation.TierFor(a.Reputation)}
}

// RegisterRequest is the body of POST /accounts/register.
type RegisterRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
}

// Register creates an account, mints starter units and issues its first
// API key. The key is only returned here.
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "name is required")
		return
	}
	if len(req.Skills) > maxSkills {
		apierror.BadRequest(c, "at most "+strconv.Itoa(maxSkills)+" skills")
		return
	}

	acct, err := h.ledger.OpenAccount(ctx, &ledger.Account{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Skills:      req.Skills,
	}, h.starter)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	rawKey, _, err := h.keys.GenerateKey(ctx, acct.ID, "default")
	if err != nil {
		apierror.InternalError(c, err)
		return
	}

	logging.L(ctx).Info("account registered", "account_id", acct.ID, "starter_tokens", h.starter)
	c.JSON(http.StatusCreated, gin.H{
		"account":        view(acct),
		"api_key":        rawKey, // Only shown once!
		"starter_tokens": h.starter,
	})
}

// Me returns the caller's account and balance.
func (h *Handler) Me(c *gin.Context) {
	ctx := c.Request.Context()
	acct, err := h.ledger.GetAccount(ctx, auth.AccountID(c))
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	bal, err := h.ledger.GetBalance(ctx, acct.ID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": view(acct), "balance": bal})
}

// GetAccount returns another account's public profile.
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, view(acct))
}

// UpdateSkillsRequest replaces the caller's skills.
type UpdateSkillsRequest struct {
	Skills      []string `json:"skills" binding:"required"`
	Description string   `json:"description"`
}

// UpdateSkills handles PUT /accounts/skills.
func (h *Handler) UpdateSkills(c *gin.Context) {
	var req UpdateSkillsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "skills is required")
		return
	}
	if len(req.Skills) > maxSkills {
		apierror.BadRequest(c, "at most "+strconv.Itoa(maxSkills)+" skills")
		return
	}
	acct, err := h.ledger.UpdateProfile(c.Request.Context(), auth.AccountID(c), req.Skills, req.Description)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": acct.ID, "skills": acct.Skills})
}

// Balance handles GET /exchange/balance.
func (h *Handler) Balance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// Transactions handles GET /exchange/transactions?limit=.
func (h *Handler) Transactions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			apierror.BadRequest(c, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	txs, err := h.ledger.Transactions(c.Request.Context(), auth.AccountID(c), limit)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// StatusRequest names the account an operator suspends or reactivates.
type StatusRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Reason    string `json:"reason"`
}

// Suspend handles POST /accounts/admin/suspend.
func (h *Handler) Suspend(c *gin.Context) {
	h.setStatus(c, ledger.AccountSuspended)
}

// Reactivate handles POST /accounts/admin/reactivate.
func (h *Handler) Reactivate(c *gin.Context) {
	h.setStatus(c, ledger.AccountActive)
}

func (h *Handler) setStatus(c *gin.Context, status ledger.AccountStatus) {
	ctx := c.Request.Context()
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "account_id is required")
		return
	}
	target, err := h.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	if target.Role == ledger.RoleOperator && status == ledger.AccountSuspended {
		apierror.BadRequest(c, "cannot suspend an operator account")
		return
	}

	acct, err := h.ledger.SetStatus(ctx, req.AccountID, status)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	logging.L(ctx).Info("account status changed",
		"target_account_id", acct.ID,
		"status", acct.Status,
		"operator_id", auth.AccountID(c),
		"reason", req.Reason,
	)
	c.JSON(http.StatusOK, gin.H{"account_id": acct.ID, "status": acct.Status, "reason": req.Reason})
}

// DepositRequest credits units to an account.
type DepositRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// Deposit handles POST /exchange/deposit.
func (h *Handler) Deposit(c *gin.Context) {
	ctx := c.Request.Context()
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "account_id is required")
		return
	}
	if req.Reference == "" {
		req.Reference = "operator deposit"
	}
	bal, err := h.ledger.Deposit(ctx, req.AccountID, req.Amount, req.Reference)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	logging.L(ctx).Info("deposit credited", "target_account_id", req.AccountID, "amount", req.Amount)
	c.JSON(http.StatusOK, bal)
}

// Stats handles GET /stats.
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	totals, err := h.ledger.Totals(ctx)
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	counts, err := h.escrows.CountByStatus(ctx)
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	byStatus := make(map[string]int, len(counts))
	for s, n := range counts {
		byStatus[string(s)] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts": totals.Accounts,
		"token_supply": gin.H{
			"circulating": totals.Available,
			"in_escrow":   totals.Held,
			"total":       totals.Minted,
		},
		"treasury":          gin.H{"fees_collected": totals.FeesCollected},
		"escrows_by_status": byStatus,
		"active_escrows":    counts[escrow.StatusHeld] + counts[escrow.StatusDisputed],
		"conserved":         totals.Conserved(),
	})
}

// Reconcile handles GET /admin/reconcile: a full replay of the log.
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context())
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	status := http.StatusOK
	if !report.OK() {
		logging.L(c.Request.Context()).Error("ledger reconciliation failed",
			"conserved", report.Conserved, "mismatches", len(report.Mismatches))
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"ok": report.OK(), "report": report})
}

func respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		apierror.Respond(c, apierror.AccountNotFound, "account not found", nil)
	case errors.Is(err, ledger.ErrInvalidAmount):
		apierror.Respond(c, apierror.InvalidAmount, "amount must be positive", nil)
	case errors.Is(err, ledger.ErrInvalidAccount), errors.Is(err, ledger.ErrAccountExists):
		apierror.BadRequest(c, err.Error())
	case errors.Is(err, ledger.ErrLockTimeout):
		apierror.Respond(c, apierror.LockTimeout, "account is busy, retry shortly", nil)
	default:
		apierror.InternalError(c, err)
	}
}
