package idempotency

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/settlement/internal/apierror"
	"github.com/mbd888/settlement/internal/logging"
)

const (
	// HeaderKey is the request header carrying the client's key.
	HeaderKey = "Idempotency-Key"

	// HeaderReplayed marks responses served from the cache.
	HeaderReplayed = "Idempotent-Replayed"

	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

// Cache wraps mutating handlers with the idempotency protocol.
type Cache struct {
	store  Store
	ttl    time.Duration
	flight singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// New creates a cache that keeps responses for ttl.
func New(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Store returns the backing store.
func (m *Cache) Store() Store { return m.store }

type kind int

const (
	kindExecuted kind = iota
	kindReplayed
	kindConflict
	kindInProgress
	kindFailed
)

// outcome is what the request that ran the flight hands to requests
// that joined it.
type outcome struct {
	kind       kind
	statusCode int
	body       []byte
}

// Middleware applies to POST, PUT and DELETE requests that carry the
// header. It must run after authentication so the key is scoped to the
// caller.
func (m *Cache) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderKey))
		if key == "" || !mutating(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxKeyLength {
			apierror.BadRequest(c, fmt.Sprintf("%s must be at most %d characters", HeaderKey, maxKeyLength))
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			apierror.BadRequest(c, "could not read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		caller := c.GetString("authAccountID")
		fp := Fingerprint(c.Request.Method, c.Request.URL.RequestURI(), caller, body)
		scoped := caller + ":" + key

		ran := false
		v, _, _ := m.flight.Do(scoped+"|"+fp, func() (any, error) {
			ran = true
			return m.execute(c, scoped, fp), nil
		})
		if ran {
			return
		}
		Requests.WithLabelValues("shared").Inc()
		m.write(c, v.(*outcome))
	}
}

// execute runs the flight for the first request with a given key and
// fingerprint. It writes its own response.
func (m *Cache) execute(c *gin.Context, key, fp string) *outcome {
	ctx := c.Request.Context()
	now := m.now()
	existing, reserved, err := m.store.Reserve(ctx, &Record{
		Key:         key,
		Fingerprint: fp,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	})
	if err != nil {
		Requests.WithLabelValues("error").Inc()
		out := &outcome{kind: kindFailed}
		m.write(c, out)
		logging.L(ctx).Error("idempotency reserve failed", "error", err)
		return out
	}

	if !reserved {
		out := classify(existing, fp)
		m.write(c, out)
		return out
	}

	rec := &recorder{ResponseWriter: c.Writer}
	c.Writer = rec
	completed := false
	defer func() {
		if !completed {
			// Handler panicked; free the key before the panic reaches recovery.
			_ = m.store.Release(context.WithoutCancel(ctx), key)
		}
	}()
	c.Next()
	completed = true

	code := rec.Status()
	out := &outcome{kind: kindExecuted, statusCode: code, body: rec.body.Bytes()}
	bg := context.WithoutCancel(ctx)
	if code >= 200 && code < 300 {
		Requests.WithLabelValues("executed").Inc()
		if err := m.store.Complete(bg, key, code, out.body); err != nil {
			m.logger.Warn("failed to cache idempotent response", "key", key, "error", err)
		}
	} else {
		Requests.WithLabelValues("not_cached").Inc()
		if err := m.store.Release(bg, key); err != nil {
			m.logger.Warn("failed to release idempotency key", "key", key, "error", err)
		}
	}
	return out
}

func classify(existing *Record, fp string) *outcome {
	switch {
	case existing.Fingerprint != fp:
		Requests.WithLabelValues("conflict").Inc()
		return &outcome{kind: kindConflict}
	case existing.Status == StatusComplete:
		Requests.WithLabelValues("replayed").Inc()
		return &outcome{kind: kindReplayed, statusCode: existing.StatusCode, body: existing.Body}
	default:
		Requests.WithLabelValues("in_progress").Inc()
		return &outcome{kind: kindInProgress}
	}
}

func (m *Cache) write(c *gin.Context, out *outcome) {
	switch out.kind {
	case kindConflict:
		apierror.Respond(c, apierror.IdempotencyConflict,
			"idempotency key was already used with a different request", nil)
	case kindInProgress:
		apierror.Respond(c, apierror.IdempotencyInProgress,
			"a request with this idempotency key is still being processed", nil)
	case kindFailed:
		apierror.Respond(c, apierror.Internal, "an internal error occurred", nil)
	default:
		if out.statusCode >= 200 && out.statusCode < 300 {
			c.Header(HeaderReplayed, "true")
		}
		c.Data(out.statusCode, "application/json; charset=utf-8", out.body)
		c.Abort()
	}
}

func mutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodDelete
}

// recorder copies the response body while passing it through.
type recorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// RunPurger deletes expired records every interval until ctx is done.
func RunPurger(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Purge(ctx, now)
			if err != nil {
				logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged idempotency keys", "count", n)
			}
		}
	}
}
