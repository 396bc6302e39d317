package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool. API failures
// become tool errors the model can read, never protocol errors.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetBalance returns the caller's balance.
func (h *Handlers) HandleGetBalance(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	var bal struct {
		AccountID string `json:"account_id"`
		Available int64  `json:"available"`
		Held      int64  `json:"held"`
	}
	if err := json.Unmarshal(raw, &bal); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Account: %s\nAvailable: %d\nHeld in escrow: %d\nTotal: %d",
		bal.AccountID, bal.Available, bal.Held, bal.Available+bal.Held)), nil
}

// HandleCreateEscrow holds funds for a provider.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider := req.GetString("provider_id", "")
	if provider == "" {
		return mcp.NewToolResultError("provider_id is required"), nil
	}
	amount := int64(req.GetFloat("amount", 0))
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive whole number"), nil
	}
	p := CreateEscrowParams{
		ProviderID: provider,
		Amount:     amount,
		TaskID:     req.GetString("task_id", ""),
		TaskType:   req.GetString("task_type", ""),
		DependsOn:  req.GetStringSlice("depends_on", nil),
	}
	if _, ok := req.GetArguments()["ttl_minutes"]; ok {
		ttl := int64(req.GetFloat("ttl_minutes", 0))
		p.TTLMinutes = &ttl
	}

	raw, err := h.client.CreateEscrow(ctx, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText("Escrow created.\n\n" + e.summary() +
		"\n\nShare the escrow ID with the provider so they can verify it. " +
		"Use release_escrow once the work is delivered."), nil
}

// HandleVerifyEscrow fetches an escrow.
func (h *Handlers) HandleVerifyEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify escrow: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(e.summary()), nil
}

// HandleReleaseEscrow pays the provider.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.ReleaseEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escrow %s released. %d paid to %s.", e.ID, e.Amount, e.ProviderID)), nil
}

// HandleRefundEscrow returns held funds to the requester.
func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.RefundEscrow(ctx, id, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s refunded. %d returned to your balance. Any escrows depending on it were refunded too.",
		e.ID, e.TotalHeld)), nil
}

// HandleDisputeEscrow flags an escrow for resolution.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	raw, err := h.client.DisputeEscrow(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s disputed.\nReason: %s\nStatus: %s. Funds stay held until the dispute is resolved.",
		e.ID, reason, e.Status)), nil
}

// HandleListTransactions lists recent ledger entries.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListTransactions(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}
	var resp struct {
		Transactions []struct {
			ID          string    `json:"id"`
			Kind        string    `json:"kind"`
			Amount      int64     `json:"amount"`
			FromAccount string    `json:"from_account"`
			ToAccount   string    `json:"to_account"`
			EscrowID    string    `json:"escrow_id"`
			CreatedAt   time.Time `json:"created_at"`
		} `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	if len(resp.Transactions) == 0 {
		return mcp.NewToolResultText("No transactions yet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transaction(s):\n\n", len(resp.Transactions))
	for _, tx := range resp.Transactions {
		fmt.Fprintf(&sb, "- %s %s %d", tx.CreatedAt.Format(time.RFC3339), tx.Kind, tx.Amount)
		if tx.FromAccount != "" {
			fmt.Fprintf(&sb, " from %s", tx.FromAccount)
		}
		if tx.ToAccount != "" {
			fmt.Fprintf(&sb, " to %s", tx.ToAccount)
		}
		if tx.EscrowID != "" {
			fmt.Fprintf(&sb, " (escrow %s)", tx.EscrowID)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

type escrowSummary struct {
	ID          string    `json:"escrow_id"`
	RequesterID string    `json:"requester_id"`
	ProviderID  string    `json:"provider_id"`
	Amount      int64     `json:"amount"`
	Fee         int64     `json:"fee_amount"`
	TotalHeld   int64     `json:"total_held"`
	Status      string    `json:"status"`
	TaskID      string    `json:"task_id"`
	DependsOn   []string  `json:"depends_on"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func parseEscrow(raw json.RawMessage) (*escrowSummary, error) {
	var e escrowSummary
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, fmt.Errorf("response has no escrow_id: %s", formatJSON(raw))
	}
	return &e, nil
}

func (e *escrowSummary) summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow ID: %s\n", e.ID)
	fmt.Fprintf(&sb, "Status: %s\n", e.Status)
	fmt.Fprintf(&sb, "Requester: %s\n", e.RequesterID)
	fmt.Fprintf(&sb, "Provider: %s\n", e.ProviderID)
	fmt.Fprintf(&sb, "Amount: %d (fee %d, total held %d)\n", e.Amount, e.Fee, e.TotalHeld)
	if e.TaskID != "" {
		fmt.Fprintf(&sb, "Task: %s\n", e.TaskID)
	}
	if len(e.DependsOn) > 0 {
		fmt.Fprintf(&sb, "Depends on: %s\n", strings.Join(e.DependsOn, ", "))
	}
	fmt.Fprintf(&sb, "Expires: %s", e.ExpiresAt.Format(time.RFC3339))
	return sb.String()
}

func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
