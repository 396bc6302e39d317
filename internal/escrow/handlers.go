package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/ledger"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. r must already require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.POST("/escrow/batch", h.CreateBatch)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/release", h.ReleaseEscrow)
	r.POST("/refund", h.RefundEscrow)
	r.POST("/dispute", h.DisputeEscrow)
	r.POST("/resolve", h.ResolveEscrow)
}

type escrowIDRequest struct {
	EscrowID string `json:"escrow_id"`
	Reason   string `json:"reason,omitempty"`
}

// CreateEscrow handles POST /v1/exchange/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid request body")
		return
	}

	e, err := h.service.Create(c.Request.Context(), c.GetString("authAccountID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e.View())
}

// CreateBatch handles POST /v1/exchange/escrow/batch
func (h *Handler) CreateBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "invalid request body")
		return
	}

	created, err := h.service.CreateBatch(c.Request.Context(), c.GetString("authAccountID"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]View, len(created))
	var total int64
	for i, e := range created {
		views[i] = e.View()
		total += e.TotalHeld()
	}
	c.JSON(http.StatusCreated, gin.H{
		"group_id":   created[0].GroupID,
		"escrows":    views,
		"count":      len(views),
		"total_held": total,
	})
}

// ListEscrows handles GET /v1/exchange/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	f := Filter{
		TaskID:  c.Query("task_id"),
		GroupID: c.Query("group_id"),
		Status:  Status(c.Query("status")),
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			apierror.BadRequest(c, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	escrows, err := h.service.List(c.Request.Context(), c.GetString("authAccountID"), f)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]View, len(escrows))
	for i, e := range escrows {
		views[i] = e.View()
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": views,
		"count":   len(views),
	})
}

// GetEscrow handles GET /v1/exchange/escrows/:id. Providers call it to verify
// an escrow before starting work.
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e.View())
}

// ReleaseEscrow handles POST /v1/exchange/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	req, ok := bindEscrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Release(c.Request.Context(), req.EscrowID, c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e.View())
}

// RefundEscrow handles POST /v1/exchange/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	req, ok := bindEscrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Refund(c.Request.Context(), req.EscrowID, c.GetString("authAccountID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e.View())
}

// DisputeEscrow handles POST /v1/exchange/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	req, ok := bindEscrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Dispute(c.Request.Context(), req.EscrowID, c.GetString("authAccountID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e.View())
}

// ResolveEscrow handles POST /v1/exchange/resolve (operators only)
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.EscrowID == "" {
		apierror.BadRequest(c, "escrow_id and resolution are required")
		return
	}

	op := Operator{ID: c.GetString("authAccountID"), IsOperator: c.GetBool("authIsOperator")}
	res, err := h.service.Resolve(c.Request.Context(), op, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":          res.Escrow.View(),
		"resolution":      res.Resolution,
		"status":          res.Escrow.Status,
		"amount_paid":     res.AmountPaid,
		"amount_returned": res.AmountReturned,
	})
}

func bindEscrowID(c *gin.Context) (escrowIDRequest, bool) {
	var req escrowIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.EscrowID == "" {
		apierror.BadRequest(c, "escrow_id is required")
		return req, false
	}
	return req, true
}

// respondError maps service errors onto the API error envelope.
func respondError(c *gin.Context, err error) {
	details := map[string]any{}
	var item *BatchItemError
	if errors.As(err, &item) {
		details["index"] = item.Index
	}

	var (
		insufficient *InsufficientBalanceError
		pending      *DependencyError
	)
	switch {
	case errors.As(err, &insufficient):
		details["required"] = insufficient.Required
		details["available"] = insufficient.Available
		apierror.Respond(c, apierror.InsufficientBalance, "insufficient available balance", details)
	case errors.As(err, &pending):
		details["pending"] = pending.Pending
		apierror.Respond(c, apierror.DependencyNotSatisfied, err.Error(), details)
	case errors.Is(err, ErrEscrowNotFound):
		apierror.Respond(c, apierror.EscrowNotFound, "escrow not found", nil)
	case errors.Is(err, ledger.ErrAccountNotFound):
		apierror.Respond(c, apierror.AccountNotFound, err.Error(), nilIfEmpty(details))
	case errors.Is(err, ErrNotAuthorized):
		apierror.Respond(c, apierror.NotAuthorized, err.Error(), nil)
	case errors.Is(err, ErrSelfEscrow):
		apierror.Respond(c, apierror.SelfEscrow, err.Error(), nilIfEmpty(details))
	case errors.Is(err, ErrInvalidAmount):
		apierror.Respond(c, apierror.InvalidAmount, err.Error(), nilIfEmpty(details))
	case errors.Is(err, ErrDisputed), errors.Is(err, ErrAlreadyResolved):
		apierror.Respond(c, apierror.EscrowAlreadyResolved, err.Error(), nil)
	case errors.Is(err, ErrNotDisputed):
		apierror.Respond(c, apierror.EscrowNotDisputed, err.Error(), nil)
	case errors.Is(err, ErrInvalidResolution):
		apierror.Respond(c, apierror.InvalidResolution, err.Error(), nil)
	case errors.Is(err, ErrProviderInactive):
		apierror.Respond(c, apierror.ProviderInactive, err.Error(), nilIfEmpty(details))
	case errors.Is(err, ErrRequesterSuspended):
		apierror.Respond(c, apierror.AccountSuspended, err.Error(), nil)
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrDependencyCycle):
		apierror.Respond(c, apierror.InvalidRequest, err.Error(), nilIfEmpty(details))
	case errors.Is(err, ledger.ErrLockTimeout):
		apierror.Respond(c, apierror.LockTimeout, "escrow is busy, retry shortly", nil)
	default:
		apierror.InternalError(c, err)
	}
}

func nilIfEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
