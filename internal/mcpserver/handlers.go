package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetCampaign shows one campaign.
func (h *Handlers) HandleGetCampaign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("campaign_id", "")
	if id == "" {
		return mcp.NewToolResultError("campaign_id is required"), nil
	}

	raw, err := h.client.GetCampaign(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get campaign: %v", err)), nil
	}

	text, err := formatCampaign(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse campaign: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListCampaigns lists campaigns.
func (h *Handlers) HandleListCampaigns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListCampaigns(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list campaigns: %v", err)), nil
	}

	text, err := formatCampaignList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse campaigns: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListApplications lists a campaign's applications.
func (h *Handlers) HandleListApplications(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("campaign_id", "")
	if id == "" {
		return mcp.NewToolResultError("campaign_id is required"), nil
	}

	raw, err := h.client.ListApplications(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list applications: %v", err)), nil
	}

	text, err := formatApplicationList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse applications: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRunReconciliation triggers one tick.
func (h *Handlers) HandleRunReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunReconciliation(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	text, err := formatTick(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReleaseCampaign cancels a campaign and unwinds its payment.
func (h *Handlers) HandleReleaseCampaign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("campaign_id", "")
	if id == "" {
		return mcp.NewToolResultError("campaign_id is required"), nil
	}

	raw, err := h.client.ReleaseCampaign(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}

	var out struct {
		Campaign map[string]any `json:"campaign"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Campaign == nil {
		return mcp.NewToolResultText("Release accepted:\n" + formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Campaign %s released: status %s, payment %s",
		getString(out.Campaign, "id"),
		getString(out.Campaign, "status"),
		getString(out.Campaign, "paymentStatus"),
	)), nil
}

func formatCampaign(raw json.RawMessage) (string, error) {
	var resp struct {
		Campaign map[string]any `json:"campaign"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Campaign == nil {
		return "", fmt.Errorf("no campaign in response")
	}
	c := resp.Campaign

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Campaign %s\n", getString(c, "id")))
	sb.WriteString(fmt.Sprintf("  Funder:  %s\n", getString(c, "funderId")))
	sb.WriteString(fmt.Sprintf("  Asset:   %s\n", getString(c, "assetType")))
	sb.WriteString(fmt.Sprintf("  Status:  %s (payment %s)\n", getString(c, "status"), getString(c, "paymentStatus")))
	sb.WriteString(fmt.Sprintf("  Window:  %s to %s\n", getString(c, "startDate"), getString(c, "endDate")))
	if v := getString(c, "selectedApplicationId"); v != "" {
		sb.WriteString(fmt.Sprintf("  Selected: %s (party %s)\n", v, getString(c, "selectedPartyId")))
	}
	if f, ok := c["financials"].(map[string]any); ok {
		currency := strings.ToUpper(getString(c, "currency"))
		sb.WriteString(fmt.Sprintf("  Total:   %s %s (fee %s, payee %s)\n",
			getString(f, "totalAmount"), currency, getString(f, "platformFee"), getString(f, "payeeAmount")))
	}
	for _, k := range []string{"authorizationId", "refundId", "transferId"} {
		if v := getString(c, k); v != "" {
			sb.WriteString(fmt.Sprintf("  %s: %s\n", k, v))
		}
	}
	return sb.String(), nil
}

func formatCampaignList(raw json.RawMessage) (string, error) {
	var resp struct {
		Campaigns []map[string]any `json:"campaigns"`
		HasMore   bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Campaigns) == 0 {
		return "No campaigns found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d campaign(s):\n\n", len(resp.Campaigns)))
	for i, c := range resp.Campaigns {
		sb.WriteString(fmt.Sprintf("%d. %s [%s / %s] %s\n", i+1,
			getString(c, "id"), getString(c, "status"), getString(c, "paymentStatus"), getString(c, "assetType")))
	}
	if resp.HasMore {
		sb.WriteString("\nMore campaigns available.")
	}
	return sb.String(), nil
}

func formatApplicationList(raw json.RawMessage) (string, error) {
	var resp struct {
		Applications []map[string]any `json:"applications"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Applications) == 0 {
		return "No applications found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d application(s):\n\n", len(resp.Applications)))
	for i, a := range resp.Applications {
		sb.WriteString(fmt.Sprintf("%d. %s by %s: %s, price %s\n", i+1,
			getString(a, "id"), getString(a, "partyId"), getString(a, "status"), getString(a, "proposedPrice")))
	}
	return sb.String(), nil
}

func formatTick(raw json.RawMessage) (string, error) {
	var resp struct {
		Result map[string]any `json:"result"`
		Error  string         `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Reconciliation tick:\n")
	for _, k := range []string{"activated", "failedProof", "autoApproved", "paidOut", "unwound", "errors"} {
		sb.WriteString(fmt.Sprintf("  %s: %s\n", k, getString(resp.Result, k)))
	}
	if resp.Error != "" {
		sb.WriteString(fmt.Sprintf("  incomplete: %s\n", resp.Error))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
