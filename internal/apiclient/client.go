// Package apiclient is an HTTP client for the quietguard API. The CLI and
// the MCP tool server both go through it.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/quietguard/internal/retry"
	"github.com/mbd888/quietguard/internal/schedule"
)

// DefaultTimeout bounds each HTTP round trip.
const DefaultTimeout = 30 * time.Second

// getAttempts is how many times idempotent reads are tried.
const getAttempts = 3

// Config holds the connection settings.
type Config struct {
	BaseURL string // e.g. "http://localhost:8080"
	Token   string // bearer token; empty when the server runs without auth
	Timeout time.Duration
}

// Client talks to one quietguard server.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// do sends one request and returns the raw response body. GETs are retried
// on transport errors and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts = getAttempts
	}

	var out json.RawMessage
	err = retry.Do(ctx, attempts, 200*time.Millisecond, func() error {
		out, err = c.roundTrip(ctx, method, u.String(), payload)
		return err
	})
	return out, err
}

func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		if resp.StatusCode < 500 {
			return nil, retry.Permanent(apiErr)
		}
		return nil, apiErr
	}
	return json.RawMessage(respBody), nil
}

func userPath(userID, suffix string) string {
	return "/v1/users/" + url.PathEscape(userID) + suffix
}

func pageQuery(limit int, cursor string) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return q
}

// Health returns the /health report.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Monitoring returns the user's monitoring snapshot.
func (c *Client) Monitoring(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, userPath(userID, "/monitoring"), nil, nil)
}

// Schedules returns the user's configured schedules.
func (c *Client) Schedules(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, userPath(userID, "/schedules"), nil, nil)
}

// SetSchedules replaces the user's schedules.
func (c *Client) SetSchedules(ctx context.Context, userID string, schedules []schedule.Schedule) (json.RawMessage, error) {
	if schedules == nil {
		schedules = []schedule.Schedule{}
	}
	body := map[string]any{"schedules": schedules}
	return c.do(ctx, http.MethodPut, userPath(userID, "/schedules"), nil, body)
}

// Evaluate reports which schedule is active at the given time. A zero at
// asks about the server's current time.
func (c *Client) Evaluate(ctx context.Context, userID string, at time.Time) (json.RawMessage, error) {
	q := url.Values{}
	if !at.IsZero() {
		q.Set("at", at.Format(time.RFC3339))
	}
	return c.do(ctx, http.MethodGet, userPath(userID, "/schedules/evaluate"), q, nil)
}

// Apps returns the user's monitored apps.
func (c *Client) Apps(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, userPath(userID, "/apps"), nil, nil)
}

// SetApps replaces the user's monitored apps.
func (c *Client) SetApps(ctx context.Context, userID string, apps []string) (json.RawMessage, error) {
	if apps == nil {
		apps = []string{}
	}
	body := map[string]any{"apps": apps}
	return c.do(ctx, http.MethodPut, userPath(userID, "/apps"), nil, body)
}

// Start begins monitoring.
func (c *Client) Start(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, userPath(userID, "/monitoring/start"), nil, nil)
}

// Stop ends monitoring.
func (c *Client) Stop(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, userPath(userID, "/monitoring/stop"), nil, nil)
}

// UnblockRequest is the body of a temporary unblock.
type UnblockRequest struct {
	Minutes      int    `json:"minutes"`
	PurchaseType string `json:"purchaseType,omitempty"`
	Tag          string `json:"tag,omitempty"`
	AppIndex     int    `json:"appIndex,omitempty"`
}

// Unblock lifts the shield for req.Minutes.
func (c *Client) Unblock(ctx context.Context, userID string, req UnblockRequest) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, userPath(userID, "/monitoring/unblock"), nil, req)
}

// Protect records that the user chose to stay protected.
func (c *Client) Protect(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, userPath(userID, "/monitoring/protect"), nil, nil)
}

// AppOpened reports a monitored app launch, as the host would.
func (c *Client) AppOpened(ctx context.Context, userID, appID string) (json.RawMessage, error) {
	path := userPath(userID, "/apps/"+url.PathEscape(appID)+"/opened")
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Risk returns the user's current risk assessment.
func (c *Client) Risk(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, userPath(userID, "/risk"), nil, nil)
}

// RiskHistory returns one page of past assessments, newest first.
func (c *Client) RiskHistory(ctx context.Context, userID string, limit int, cursor string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, userPath(userID, "/risk/history"), pageQuery(limit, cursor), nil)
}

// RiskPattern returns the hour/day risk profile. Negative hour or day
// means the server's current one.
func (c *Client) RiskPattern(ctx context.Context, userID string, hour, day int) (json.RawMessage, error) {
	q := url.Values{}
	if hour >= 0 {
		q.Set("hour", strconv.Itoa(hour))
	}
	if day >= 0 {
		q.Set("day", strconv.Itoa(day))
	}
	return c.do(ctx, http.MethodGet, userPath(userID, "/risk/pattern"), q, nil)
}

// Streak returns the user's protection streak.
func (c *Client) Streak(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, userPath(userID, "/streak"), nil, nil)
}

// Events returns one page of the unblock log.
func (c *Client) Events(ctx context.Context, userID string, limit int, cursor string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, userPath(userID, "/events"), pageQuery(limit, cursor), nil)
}
