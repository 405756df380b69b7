package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("pactum-operator", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetCampaign, h.HandleGetCampaign)
	s.AddTool(ToolListCampaigns, h.HandleListCampaigns)
	s.AddTool(ToolListApplications, h.HandleListApplications)
	s.AddTool(ToolRunReconciliation, h.HandleRunReconciliation)
	s.AddTool(ToolReleaseCampaign, h.HandleReleaseCampaign)

	return s
}
