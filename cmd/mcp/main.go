// Command mcp serves the operator console over stdio: campaign inspection,
// reconciliation ticks and admin release as MCP tools backed by the admin API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pactum-labs/pactum/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      getenv("PACTUM_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("PACTUM_ADMIN_SECRET"),
		OperatorID:  getenv("PACTUM_OPERATOR_ID", "operator"),
	}
	if cfg.AdminSecret == "" {
		// stdout belongs to the MCP transport.
		fmt.Fprintln(os.Stderr, "mcp: PACTUM_ADMIN_SECRET is required")
		os.Exit(1)
	}

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
