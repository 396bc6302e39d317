package attestation

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/escrow"
)

// EscrowGetter resolves the parties allowed to read an escrow's evidence.
type EscrowGetter interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
}

type Handler struct {
	log     *Log
	escrows EscrowGetter
}

func NewHandler(log *Log, escrows EscrowGetter) *Handler {
	return &Handler{log: log, escrows: escrows}
}

// RegisterRoutes mounts on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/attestations/root", h.Root)
	r.GET("/exchange/escrows/:id/attestations", h.ForEscrow)
}

// Root handles GET /v1/attestations/root
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"root": h.log.Root(), "leaf_count": h.log.Len()})
}

type provenRecord struct {
	*Record
	Proof []ProofStep `json:"proof"`
}

// ForEscrow handles GET /v1/exchange/escrows/:id/attestations. Only the
// escrow's parties and operators may read it.
func (h *Handler) ForEscrow(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	e, err := h.escrows.Get(ctx, id)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		apierror.Respond(c, apierror.EscrowNotFound, "escrow not found", nil)
		return
	}
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	if !e.IsParty(auth.AccountID(c)) && !c.GetBool(auth.ContextKeyIsOperator) {
		apierror.Respond(c, apierror.NotAuthorized, "not a party to this escrow", nil)
		return
	}

	recs, err := h.log.ForEscrow(ctx, id)
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	indexes := make([]int, len(recs))
	for i, r := range recs {
		indexes[i] = r.Index
	}
	proofs, root, err := h.log.Proofs(indexes...)
	if err != nil {
		apierror.InternalError(c, err)
		return
	}

	out := make([]provenRecord, len(recs))
	for i, r := range recs {
		out[i] = provenRecord{Record: r, Proof: proofs[i]}
	}
	c.JSON(http.StatusOK, gin.H{"escrow_id": id, "root": root, "attestations": out})
}
