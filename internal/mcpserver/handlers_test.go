package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_OperatorHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	_, err := client.RunReconciliation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "operator", got.Get("X-Actor-ID"))
	assert.Equal(t, "admin", got.Get("X-Actor-Role"))
	assert.Equal(t, "s3cret", got.Get("X-Admin-Secret"))
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "conflict",
			"message": "campaign is completed",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.ReleaseCampaign(context.Background(), "cmp_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "campaign is completed")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetCampaign(t *testing.T) {
	var path string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{"campaign": map[string]any{
			"id":                    "cmp_1",
			"funderId":              "fun_1",
			"assetType":             "header",
			"status":                "funded",
			"paymentStatus":         "requires_capture",
			"currency":              "usd",
			"selectedApplicationId": "app_1",
			"selectedPartyId":       "cre_1",
			"financials":            map[string]any{"totalAmount": 10000, "platformFee": 1500, "payeeAmount": 8500},
			"authorizationId":       "pi_1",
		}})
	}))
	defer done()

	result, err := h.HandleGetCampaign(context.Background(), makeRequest(map[string]any{"campaign_id": "cmp_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Equal(t, "/v1/campaigns/cmp_1", path)
	assert.Contains(t, text, "funded (payment requires_capture)")
	assert.Contains(t, text, "10000 USD (fee 1500, payee 8500)")
	assert.Contains(t, text, "authorizationId: pi_1")
}

func TestHandleGetCampaign_MissingID(t *testing.T) {
	h, done := newTestSetup(http.NotFoundHandler())
	defer done()

	result, err := h.HandleGetCampaign(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "campaign_id is required")
}

func TestHandleListCampaigns(t *testing.T) {
	var query string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{
			"campaigns": []map[string]any{
				{"id": "cmp_2", "status": "active", "paymentStatus": "requires_capture", "assetType": "bio"},
				{"id": "cmp_1", "status": "active", "paymentStatus": "captured", "assetType": "post"},
			},
			"hasMore": true,
		})
	}))
	defer done()

	result, err := h.HandleListCampaigns(context.Background(), makeRequest(map[string]any{"status": "active", "limit": float64(2)}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, query, "status=active")
	assert.Contains(t, query, "limit=2")
	assert.Contains(t, text, "Found 2 campaign(s)")
	assert.Contains(t, text, "cmp_2 [active / requires_capture] bio")
	assert.Contains(t, text, "More campaigns available.")
}

func TestHandleListCampaigns_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"campaigns": []any{}, "hasMore": false})
	}))
	defer done()

	result, err := h.HandleListCampaigns(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No campaigns found.", resultText(t, result))
}

func TestHandleListApplications(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/campaigns/cmp_1/applications", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"applications": []map[string]any{
				{"id": "app_1", "partyId": "cre_1", "status": "selected", "proposedPrice": 10000},
			},
			"count": 1,
		})
	}))
	defer done()

	result, err := h.HandleListApplications(context.Background(), makeRequest(map[string]any{"campaign_id": "cmp_1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "app_1 by cre_1: selected, price 10000")
}

func TestHandleRunReconciliation(t *testing.T) {
	var method string
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		writeJSON(w, http.StatusOK, map[string]any{
			"result": map[string]any{
				"activated": 1, "failedProof": 0, "autoApproved": 2,
				"paidOut": 3, "unwound": 0, "errors": 1,
			},
			"error": "payout sweep: connection refused",
		})
	}))
	defer done()

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Equal(t, http.MethodPost, method)
	assert.Contains(t, text, "autoApproved: 2")
	assert.Contains(t, text, "paidOut: 3")
	assert.Contains(t, text, "incomplete: payout sweep: connection refused")
}

func TestHandleReleaseCampaign(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/campaigns/cmp_1/release", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"campaign": map[string]any{"id": "cmp_1", "status": "cancelled", "paymentStatus": "canceled"},
			"applied":  true,
		})
	}))
	defer done()

	result, err := h.HandleReleaseCampaign(context.Background(), makeRequest(map[string]any{"campaign_id": "cmp_1"}))
	require.NoError(t, err)
	assert.Equal(t, "Campaign cmp_1 released: status cancelled, payment canceled", resultText(t, result))
}

func TestHandleReleaseCampaign_Conflict(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "conflict", "message": "campaign is completed"})
	}))
	defer done()

	result, err := h.HandleReleaseCampaign(context.Background(), makeRequest(map[string]any{"campaign_id": "cmp_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "campaign is completed")
}
