package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/quietguard/internal/apiclient"
	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/coordinator"
	"github.com/mbd888/quietguard/internal/monitor"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/session"
	"github.com/mbd888/quietguard/internal/store"
	"github.com/mbd888/quietguard/internal/validation"
)

// --- Test helpers ---

// Monday 23:00 UTC.
var testNow = time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)

// newStack serves the real per-user API backed by an in-memory store and
// returns handlers pointed at it with "alice" as the default user.
func newStack(t *testing.T) (*Handlers, *apiclient.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	host := monitor.NewMemoryHost()
	m := session.NewManager(session.Config{
		Store:   store.NewMemory(),
		Clock:   clock.NewFake(testNow),
		Host:    func(string) monitor.Host { return host },
		Options: coordinator.Options{SettleDelay: -1},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Close)

	r := gin.New()
	users := r.Group("/v1/users/:userID", validation.IDParamMiddleware("userID", "appID"))
	h := session.NewHandler(m)
	h.RegisterRoutes(users)
	h.RegisterHostRoutes(users)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	client := apiclient.New(apiclient.Config{BaseURL: ts.URL})
	return NewHandlers(client, "alice"), client
}

// blocking configures alice's night schedule and starts monitoring.
func blocking(t *testing.T, client *apiclient.Client) {
	t.Helper()
	ctx := context.Background()
	_, err := client.SetApps(ctx, "alice", []string{"com.shop", "com.bets"})
	require.NoError(t, err)
	_, err = client.SetSchedules(ctx, "alice", []schedule.Schedule{{
		ID: "night", Name: "Night", Start: schedule.At(22, 0), End: schedule.At(8, 0),
		Days: schedule.AllDays, Active: true,
	}})
	require.NoError(t, err)
	_, err = client.Start(ctx, "alice")
	require.NoError(t, err)
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

// ============================================================
// Handler tests
// ============================================================

func TestMonitoringStatus_Stopped(t *testing.T) {
	h, _ := newStack(t)

	result, err := h.HandleMonitoringStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "User: alice")
	assert.Contains(t, text, "State: monitoring off")
	assert.Contains(t, text, "Monitored apps: none selected")
}

func TestStartMonitoring_WithoutAppsFails(t *testing.T) {
	h, _ := newStack(t)

	result, err := h.HandleStartMonitoring(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to start monitoring")
	assert.Contains(t, resultText(t, result), "409")
}

func TestStartMonitoring_Blocks(t *testing.T) {
	h, client := newStack(t)
	ctx := context.Background()
	_, err := client.SetApps(ctx, "alice", []string{"com.shop"})
	require.NoError(t, err)
	_, err = client.SetSchedules(ctx, "alice", []schedule.Schedule{{
		ID: "night", Name: "Night", Start: schedule.At(22, 0), End: schedule.At(8, 0),
		Days: schedule.AllDays, Active: true,
	}})
	require.NoError(t, err)

	result, err := h.HandleStartMonitoring(ctx, makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Monitoring started.")
	assert.Contains(t, text, "State: blocking")
	assert.Contains(t, text, "Active schedule: Night (22:00 to 08:00)")
	assert.Contains(t, text, "Shielded apps: com.shop")
}

func TestTemporarilyUnblock(t *testing.T) {
	h, client := newStack(t)
	blocking(t, client)

	result, err := h.HandleTemporarilyUnblock(context.Background(), makeRequest(map[string]any{
		"minutes":       float64(15),
		"purchase_type": "planned",
		"tag":           "groceries",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Unblocked for 15 minutes.")
	assert.Contains(t, text, "Blocking resumes at 11:15PM.")
	assert.Contains(t, text, "Logged as planned (groceries)")

	result, err = h.HandleMonitoringStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "State: temporarily unblocked")
	assert.Contains(t, resultText(t, result), "Unblocked until: 23:15")

	result, err = h.HandleListUnblocks(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text = resultText(t, result)
	assert.Contains(t, text, "Found 1 unblock(s)")
	assert.Contains(t, text, "Mon Oct 19 23:00, 15 min, planned (groceries)")
}

func TestTemporarilyUnblock_Validation(t *testing.T) {
	h, client := newStack(t)
	blocking(t, client)

	result, err := h.HandleTemporarilyUnblock(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "minutes must be a positive number")

	result, err = h.HandleTemporarilyUnblock(context.Background(), makeRequest(map[string]any{
		"minutes":       float64(10),
		"purchase_type": "whim",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "400")
}

func TestTemporarilyUnblock_NotMonitoring(t *testing.T) {
	h, _ := newStack(t)

	result, err := h.HandleTemporarilyUnblock(context.Background(), makeRequest(map[string]any{"minutes": float64(5)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to unblock")
}

func TestStopMonitoring(t *testing.T) {
	h, client := newStack(t)
	blocking(t, client)

	result, err := h.HandleStopMonitoring(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, "Monitoring stopped. All shields are removed.", resultText(t, result))
}

func TestGetRisk(t *testing.T) {
	h, client := newStack(t)
	blocking(t, client)

	result, err := h.HandleGetRisk(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Impulse-spending risk:")
	assert.Contains(t, text, "Score: ")
	assert.Contains(t, text, "late_night")
	assert.Contains(t, text, "Historical risk at 23:00 on Monday")
}

func TestGetStreak(t *testing.T) {
	h, client := newStack(t)
	blocking(t, client)
	_, err := client.Protect(context.Background(), "alice")
	require.NoError(t, err)

	result, err := h.HandleGetStreak(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Protection streak: 1 day")
	assert.Contains(t, text, "Longest streak: 1 day")
	assert.Contains(t, text, "Last protected: Mon Oct 19")
}

func TestListUnblocks_Empty(t *testing.T) {
	h, _ := newStack(t)

	result, err := h.HandleListUnblocks(context.Background(), makeRequest(map[string]any{"user_id": "bob"}))
	require.NoError(t, err)
	assert.Equal(t, "No unblocks recorded.", resultText(t, result))
}

func TestCheckSchedule(t *testing.T) {
	h, client := newStack(t)
	blocking(t, client)

	result, err := h.HandleCheckSchedule(context.Background(), makeRequest(map[string]any{"at": "2026-10-20T12:00:00Z"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "No quiet hours at Tue Oct 20 12:00.")
	assert.Contains(t, text, "Next change: Tue Oct 20 22:00")

	result, err = h.HandleCheckSchedule(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Quiet hours are active at Mon Oct 19 23:00: Night (22:00 to 08:00)")

	result, err = h.HandleCheckSchedule(context.Background(), makeRequest(map[string]any{"at": "tonight"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestUserRequiredWithoutDefault(t *testing.T) {
	h := NewHandlers(apiclient.New(apiclient.Config{BaseURL: "http://127.0.0.1:1"}), "")

	result, err := h.HandleGetStreak(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "user_id is required", resultText(t, result))
}

func TestServerErrorsSurfaceAsToolErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "unauthorized",
			"message": "bearer token required",
		})
	}))
	defer ts.Close()

	h := NewHandlers(apiclient.New(apiclient.Config{BaseURL: ts.URL, Token: "bad"}), "alice")
	result, err := h.HandleMonitoringStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "401")
	assert.Contains(t, resultText(t, result), "bearer token required")
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", UserID: "alice"})
	tools := s.ListTools()
	for _, name := range []string{
		"get_monitoring_status", "start_monitoring", "stop_monitoring", "temporarily_unblock",
		"get_risk", "get_streak", "list_unblocks", "check_schedule",
	} {
		assert.Contains(t, tools, name)
	}
}
