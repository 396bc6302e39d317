package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/accounts"
	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/attestation"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/reconciliation"
	"github.com/mbd888/settlement/internal/security"
	"github.com/mbd888/settlement/internal/webhooks"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Checks    map[string]any `json:"checks"`
	Realtime  map[string]any `json:"realtime"`
	Timestamp string         `json:"timestamp"`
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		apierror.Respond(c, apierror.Internal, "An unexpected error occurred", nil)
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.BodyLimit(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream id (load balancer, client retries) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if id := auth.AccountID(c); id != "" {
			attrs = append(attrs, "account_id", id)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(s.limiter.Middleware())

	accountHandler := accounts.NewHandler(s.ledger, s.authMgr, s.escrowStore, s.cfg.StarterTokens)
	authHandler := auth.NewHandler(s.authMgr)

	// Public
	accountHandler.RegisterPublicRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)

	// Authenticated. Mutations honor Idempotency-Key.
	authed := v1.Group("")
	authed.Use(auth.RequireAuth(s.authMgr))
	authed.Use(s.idempotency.Middleware())

	accountHandler.RegisterRoutes(authed)
	authHandler.RegisterRoutes(authed)
	escrow.NewHandler(s.escrows).RegisterRoutes(authed.Group("/exchange"))
	webhooks.NewHandler(s.webhookDB, s.webhooks).RegisterRoutes(authed)
	s.hub.RegisterRoutes(authed)
	attestation.NewHandler(s.evidence, s.escrows).RegisterRoutes(authed)

	operator := authed.Group("", auth.RequireOperator())
	reconciliation.NewHandler(s.auditor).WithTimer(s.auditTimer).RegisterRoutes(operator)
}

// healthHandler runs every registered check. Any unhealthy subsystem turns
// the response into a 503.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]any, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = st.Detail
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Realtime:  s.hub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports ready once Run has started serving and the
// storage dependencies answer.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
