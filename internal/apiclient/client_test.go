package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func newTestClient(t *testing.T, status int, response string) (*Client, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.EscapedPath()
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.body = nil
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Token: "tok"}), got
}

func TestClient_Requests(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		call   func(c *Client) (json.RawMessage, error)
		method string
		path   string
		query  string
	}{
		{"monitoring", func(c *Client) (json.RawMessage, error) { return c.Monitoring(ctx, "alice") }, "GET", "/v1/users/alice/monitoring", ""},
		{"start", func(c *Client) (json.RawMessage, error) { return c.Start(ctx, "alice") }, "POST", "/v1/users/alice/monitoring/start", ""},
		{"stop", func(c *Client) (json.RawMessage, error) { return c.Stop(ctx, "alice") }, "POST", "/v1/users/alice/monitoring/stop", ""},
		{"protect", func(c *Client) (json.RawMessage, error) { return c.Protect(ctx, "alice") }, "POST", "/v1/users/alice/monitoring/protect", ""},
		{"opened", func(c *Client) (json.RawMessage, error) { return c.AppOpened(ctx, "alice", "com.shop") }, "POST", "/v1/users/alice/apps/com.shop/opened", ""},
		{"events", func(c *Client) (json.RawMessage, error) { return c.Events(ctx, "alice", 10, "abc") }, "GET", "/v1/users/alice/events", "cursor=abc&limit=10"},
		{"history", func(c *Client) (json.RawMessage, error) { return c.RiskHistory(ctx, "alice", 0, "") }, "GET", "/v1/users/alice/risk/history", ""},
		{"pattern", func(c *Client) (json.RawMessage, error) { return c.RiskPattern(ctx, "alice", 23, -1) }, "GET", "/v1/users/alice/risk/pattern", "hour=23"},
		{"evaluate", func(c *Client) (json.RawMessage, error) {
			return c.Evaluate(ctx, "alice", time.Date(2026, 10, 20, 1, 0, 0, 0, time.UTC))
		}, "GET", "/v1/users/alice/schedules/evaluate", "at=2026-10-20T01%3A00%3A00Z"},
		{"escaped user", func(c *Client) (json.RawMessage, error) { return c.Streak(ctx, "a b") }, "GET", "/v1/users/a%20b/streak", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, got := newTestClient(t, http.StatusOK, `{"ok":true}`)
			out, err := tt.call(c)
			require.NoError(t, err)
			assert.JSONEq(t, `{"ok":true}`, string(out))
			assert.Equal(t, tt.method, got.method)
			assert.Equal(t, tt.path, got.path)
			assert.Equal(t, tt.query, got.query)
			assert.Equal(t, "Bearer tok", got.auth)
		})
	}
}

func TestClient_Bodies(t *testing.T) {
	ctx := context.Background()

	c, got := newTestClient(t, http.StatusOK, `{}`)
	_, err := c.Unblock(ctx, "alice", UnblockRequest{Minutes: 15, PurchaseType: "planned"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"minutes": float64(15), "purchaseType": "planned"}, got.body)

	_, err = c.SetApps(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"apps": []any{}}, got.body)

	_, err = c.SetSchedules(ctx, "alice", []schedule.Schedule{{
		ID: "night", Start: schedule.At(22, 0), End: schedule.At(8, 0), Days: schedule.AllDays, Active: true,
	}})
	require.NoError(t, err)
	first := got.body["schedules"].([]any)[0].(map[string]any)
	assert.Equal(t, "22:00", first["start"])
	assert.Equal(t, "08:00", first["end"])
}

func TestClient_APIError(t *testing.T) {
	c, _ := newTestClient(t, http.StatusConflict, `{"error":"not_monitoring","message":"monitoring is off"}`)

	_, err := c.Unblock(context.Background(), "alice", UnblockRequest{Minutes: 5})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "not_monitoring", apiErr.Code)
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.Contains(t, err.Error(), "monitoring is off")
}

func TestClient_RetriesReadsOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"streak":{"count":3}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	out, err := c.Streak(context.Background(), "alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"streak":{"count":3}}`, string(out))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_DoesNotRetryWrites(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Start(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	c, got := newTestClient(t, http.StatusOK, `{}`)
	c.cfg.Token = ""
	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got.auth)
	assert.Equal(t, "/health", got.path)
}
