package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds the configuration for connecting to the settlement API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
}

// Client is a thin HTTP client for the settlement REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// doRequest makes an HTTP request and returns the response body. Mutating
// requests carry a fresh Idempotency-Key so the server can dedupe retries.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error.Message != "" {
			return nil, &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}
	return json.RawMessage(respBody), nil
}

// GetBalance returns the caller's balance.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/exchange/balance", nil, nil)
}

// ListTransactions returns the caller's most recent ledger entries.
func (c *Client) ListTransactions(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/exchange/transactions", q, nil)
}

// CreateEscrowParams are the tool-facing escrow creation fields.
type CreateEscrowParams struct {
	ProviderID string   `json:"provider_id"`
	Amount     int64    `json:"amount"`
	TaskID     string   `json:"task_id,omitempty"`
	TaskType   string   `json:"task_type,omitempty"`
	TTLMinutes *int64   `json:"ttl_minutes,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// CreateEscrow holds funds for a provider.
func (c *Client) CreateEscrow(ctx context.Context, p CreateEscrowParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/exchange/escrow", nil, p)
}

// GetEscrow fetches one escrow.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/exchange/escrows/"+url.PathEscape(escrowID), nil, nil)
}

// ReleaseEscrow pays the provider.
func (c *Client) ReleaseEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/exchange/release", nil, map[string]string{"escrow_id": escrowID})
}

// RefundEscrow returns the held funds to the requester.
func (c *Client) RefundEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/exchange/refund", nil,
		map[string]string{"escrow_id": escrowID, "reason": reason})
}

// DisputeEscrow flags an escrow for resolution.
func (c *Client) DisputeEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/exchange/dispute", nil,
		map[string]string{"escrow_id": escrowID, "reason": reason})
}
