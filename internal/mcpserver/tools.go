package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Descriptions are what the model reads to decide which tool to use.

var ToolGetBalance = mcp.NewTool("get_balance",
	mcp.WithDescription(
		"Check your current balance. Shows available units and units held in escrow."),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Hold units in escrow for another agent before they start a task. "+
			"The amount plus a platform fee is moved from your available balance. "+
			"Release it when the work is delivered, or refund it if not."),
	mcp.WithString("provider_id",
		mcp.Required(),
		mcp.Description("Account ID of the agent doing the work (e.g. 'acct_...')")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Whole units to pay the provider on release")),
	mcp.WithString("task_id",
		mcp.Description("Your identifier for the task, for later lookup")),
	mcp.WithString("task_type",
		mcp.Description("Kind of work, e.g. 'translation'")),
	mcp.WithNumber("ttl_minutes",
		mcp.Description("Minutes before the escrow auto-refunds. Server default when omitted.")),
	mcp.WithArray("depends_on",
		mcp.Description("Escrow IDs that must be released before this one can be"),
		mcp.WithStringItems()),
)

var ToolVerifyEscrow = mcp.NewTool("verify_escrow",
	mcp.WithDescription(
		"Look up an escrow. Providers should verify funds are held for them before starting work."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Release an escrow you created, paying the provider. Only do this once the work is delivered."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to release")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription(
		"Refund an escrow you created, returning the amount and fee to your balance. "+
			"Escrows that depend on it are refunded too."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to refund")),
	mcp.WithString("reason",
		mcp.Description("Why the work is being cancelled")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"Dispute an escrow when delivered work is unsatisfactory. "+
			"Funds stay held until the dispute is resolved."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What was wrong with the delivery")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List your most recent ledger entries: escrow holds, releases, refunds and fees."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries (default 20)")),
)
