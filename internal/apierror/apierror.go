// Package apierror renders the error envelope shared by every endpoint:
//
//	{"error": {"code": "...", "message": "...", "request_id": "...", "details": {...}}}
package apierror

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settlement/internal/logging"
)

// Code is a machine-readable error code.
type Code string

const (
	InvalidRequest         Code = "INVALID_REQUEST"
	InvalidAmount          Code = "INVALID_AMOUNT"
	SelfEscrow             Code = "SELF_ESCROW"
	EscrowAlreadyResolved  Code = "ESCROW_ALREADY_RESOLVED"
	EscrowNotDisputed      Code = "ESCROW_NOT_DISPUTED"
	InvalidResolution      Code = "INVALID_RESOLUTION"
	InsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	DependencyNotSatisfied Code = "DEPENDENCY_NOT_SATISFIED"
	ProviderInactive       Code = "PROVIDER_INACTIVE"
	AccountSuspended       Code = "ACCOUNT_SUSPENDED"
	InvalidAPIKey          Code = "INVALID_API_KEY"
	NotAuthorized          Code = "NOT_AUTHORIZED"
	EscrowNotFound         Code = "ESCROW_NOT_FOUND"
	AccountNotFound        Code = "ACCOUNT_NOT_FOUND"
	WebhookNotFound        Code = "WEBHOOK_NOT_FOUND"
	IdempotencyConflict    Code = "IDEMPOTENCY_CONFLICT"
	IdempotencyInProgress  Code = "IDEMPOTENCY_IN_PROGRESS"
	RateLimited            Code = "RATE_LIMITED"
	LockTimeout            Code = "LOCK_TIMEOUT"
	Internal               Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	InvalidRequest:         http.StatusBadRequest,
	InvalidAmount:          http.StatusBadRequest,
	SelfEscrow:             http.StatusBadRequest,
	EscrowAlreadyResolved:  http.StatusBadRequest,
	EscrowNotDisputed:      http.StatusBadRequest,
	InvalidResolution:      http.StatusBadRequest,
	InsufficientBalance:    http.StatusBadRequest,
	DependencyNotSatisfied: http.StatusConflict,
	ProviderInactive:       http.StatusForbidden,
	AccountSuspended:       http.StatusForbidden,
	InvalidAPIKey:          http.StatusUnauthorized,
	NotAuthorized:          http.StatusForbidden,
	EscrowNotFound:         http.StatusNotFound,
	AccountNotFound:        http.StatusNotFound,
	WebhookNotFound:        http.StatusNotFound,
	IdempotencyConflict:    http.StatusConflict,
	IdempotencyInProgress:  http.StatusConflict,
	RateLimited:            http.StatusTooManyRequests,
	LockTimeout:            http.StatusServiceUnavailable,
	Internal:               http.StatusInternalServerError,
}

// Status returns the HTTP status for code (500 for unknown codes).
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a client may retry the same request unchanged.
func (c Code) Retryable() bool {
	return c == RateLimited || c == LockTimeout || c == IdempotencyInProgress
}

// Body is the inner error object.
type Body struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Envelope is the top-level error document.
type Envelope struct {
	Error Body `json:"error"`
}

// Respond aborts the request with the envelope for code.
func Respond(c *gin.Context, code Code, message string, details map[string]any) {
	if code.Retryable() && c.Writer.Header().Get("Retry-After") == "" {
		c.Header("Retry-After", strconv.Itoa(1))
	}
	c.AbortWithStatusJSON(code.Status(), Envelope{Error: Body{
		Code:      code,
		Message:   message,
		RequestID: logging.RequestID(c.Request.Context()),
		Details:   details,
	}})
}

// InternalError logs err and responds with a detail-free INTERNAL_ERROR.
func InternalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("request failed",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"error", err,
	)
	Respond(c, Internal, "an internal error occurred", nil)
}

// BadRequest is shorthand for INVALID_REQUEST with a validation message.
func BadRequest(c *gin.Context, message string) {
	Respond(c, InvalidRequest, message, nil)
}
