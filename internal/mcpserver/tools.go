package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the operator console.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetCampaign = mcp.NewTool("get_campaign",
	mcp.WithDescription(
		"Show one campaign: lifecycle status, payment status, the selected application, "+
			"locked financials in minor units, and processor handles (authorization, refund, transfer)."),
	mcp.WithString("campaign_id",
		mcp.Required(),
		mcp.Description("The campaign ID (e.g. 'cmp_...')")),
)

var ToolListCampaigns = mcp.NewTool("list_campaigns",
	mcp.WithDescription(
		"List campaigns, newest first. Filter by status to find campaigns waiting on funding, "+
			"active campaigns, or cancelled ones."),
	mcp.WithString("status",
		mcp.Description("Lifecycle status filter"),
		mcp.Enum("open", "influencer_selected", "funded", "active", "completed", "cancelled")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of campaigns to return (default 20)")),
)

var ToolListApplications = mcp.NewTool("list_applications",
	mcp.WithDescription(
		"List every application submitted to a campaign with its status and proposed price."),
	mcp.WithString("campaign_id",
		mcp.Required(),
		mcp.Description("The campaign ID")),
)

var ToolRunReconciliation = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Run one reconciliation tick now instead of waiting for the schedule. "+
			"It activates due campaigns, fails missed proofs, auto-approves expired reviews, "+
			"pays out ended campaigns and retries stranded refunds. Safe to run repeatedly."),
)

var ToolReleaseCampaign = mcp.NewTool("release_campaign",
	mcp.WithDescription(
		"Cancel a campaign and return its funds to the funder: cancels an uncaptured hold "+
			"or refunds a captured payment. Fails for completed campaigns. Safe to retry."),
	mcp.WithString("campaign_id",
		mcp.Required(),
		mcp.Description("The campaign ID")),
)
