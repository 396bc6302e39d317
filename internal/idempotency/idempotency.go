// Package idempotency caches the responses of mutating requests that carry
// an Idempotency-Key header so that client retries never repeat side
// effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status of a cached request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

// Record is one cached request. Key is already scoped to the caller.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	StatusCode  int       `json:"status_code"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record no longer binds its key.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Store persists records.
type Store interface {
	// Reserve inserts rec as pending unless a live record holds the key.
	// When one does, it is returned with reserved == false. The check and
	// the insert are a single atomic step.
	Reserve(ctx context.Context, rec *Record) (existing *Record, reserved bool, err error)

	// Complete stores the response for a reserved key.
	Complete(ctx context.Context, key string, statusCode int, body []byte) error

	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error

	// Purge deletes records that expired before now.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Fingerprint identifies a request by method, path, caller and body.
func Fingerprint(method, path, caller string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Requests counts idempotent requests by how they were handled.
var Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlement",
	Name:      "idempotency_requests_total",
	Help:      "Requests carrying an idempotency key, by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(Requests)
}
