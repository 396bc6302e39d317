package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierror"
)

// Handler exposes audits to operators.
type Handler struct {
	runner *Runner
	timer  *Timer
}

// NewHandler creates a handler.
func NewHandler(r *Runner) *Handler {
	return &Handler{runner: r}
}

// WithTimer lets POST ?async=true hand the audit to the background timer.
func (h *Handler) WithTimer(t *Timer) *Handler {
	h.timer = t
	return h
}

// RegisterRoutes sets up routes. The group must already require operator auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/audit", h.Latest)
	r.POST("/admin/audit", h.Run)
}

// Latest handles GET /v1/admin/audit
func (h *Handler) Latest(c *gin.Context) {
	last := h.runner.Last()
	if last == nil {
		c.JSON(http.StatusOK, gin.H{"audit": nil, "message": "no audit has completed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": last, "ok": last.OK()})
}

// Run handles POST /v1/admin/audit
func (h *Handler) Run(c *gin.Context) {
	if h.timer != nil && c.Query("async") == "true" {
		h.timer.Poke()
		c.JSON(http.StatusAccepted, gin.H{"message": "audit scheduled"})
		return
	}
	res, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		apierror.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": res, "ok": res.OK()})
}
