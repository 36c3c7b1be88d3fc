package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/quietguard/internal/apiclient"
	"github.com/mbd888/quietguard/internal/coordinator"
	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/streak"
)

const defaultUnblockLimit = 10

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client      *apiclient.Client
	defaultUser string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client, defaultUser string) *Handlers {
	return &Handlers{client: client, defaultUser: defaultUser}
}

// user resolves the user_id argument, falling back to the default user.
func (h *Handlers) user(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	if u := req.GetString("user_id", ""); u != "" {
		return u, nil
	}
	if h.defaultUser != "" {
		return h.defaultUser, nil
	}
	return "", mcp.NewToolResultError("user_id is required")
}

// HandleMonitoringStatus reports the user's monitoring snapshot.
func (h *Handlers) HandleMonitoringStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, errResult := h.user(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Monitoring(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get monitoring status: %v", err)), nil
	}
	text, err := formatMonitoring(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse monitoring status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleStartMonitoring turns monitoring on.
func (h *Handlers) HandleStartMonitoring(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, errResult := h.user(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Start(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start monitoring: %v", err)), nil
	}
	text, err := formatMonitoring(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse monitoring status: %v", err)), nil
	}
	return mcp.NewToolResultText("Monitoring started.\n\n" + text), nil
}

// HandleStopMonitoring turns monitoring off.
func (h *Handlers) HandleStopMonitoring(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, errResult := h.user(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Stop(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to stop monitoring: %v", err)), nil
	}

	var resp struct {
		Warning string `json:"warning"`
	}
	_ = json.Unmarshal(raw, &resp)
	msg := "Monitoring stopped. All shields are removed."
	if resp.Warning != "" {
		msg += "\nWarning: " + resp.Warning
	}
	return mcp.NewToolResultText(msg), nil
}

// HandleTemporarilyUnblock lifts the shield for a number of minutes.
func (h *Handlers) HandleTemporarilyUnblock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, errResult := h.user(req)
	if errResult != nil {
		return errResult, nil
	}
	minutes := req.GetInt("minutes", 0)
	if minutes <= 0 {
		return mcp.NewToolResultError("minutes must be a positive number"), nil
	}

	raw, err := h.client.Unblock(ctx, user, apiclient.UnblockRequest{
		Minutes:      minutes,
		PurchaseType: req.GetString("purchase_type", ""),
		Tag:          req.GetString("tag", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to unblock: %v", err)), nil
	}

	var resp struct {
		Event      events.UnblockEvent  `json:"event"`
		Monitoring coordinator.Snapshot `json:"monitoring"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse unblock: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Unblocked for %d minutes.\n", resp.Event.DurationMinutes)
	if resp.Monitoring.UnblockedUntil != nil {
		fmt.Fprintf(&sb, "Blocking resumes at %s.\n", resp.Monitoring.UnblockedUntil.Format(time.Kitchen))
	}
	fmt.Fprintf(&sb, "Logged as %s", resp.Event.PurchaseType)
	if resp.Event.Tag != "" {
		fmt.Fprintf(&sb, " (%s)", resp.Event.Tag)
	}
	sb.WriteString(". The protection streak was reset.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetRisk reports the current assessment and the historical pattern
// for this hour.
func (h *Handlers) HandleGetRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, errResult := h.user(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Risk(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk: %v", err)), nil
	}
	var resp struct {
		Assessment risk.RiskAssessment `json:"assessment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk: %v", err)), nil
	}
	text := formatAssessment(resp.Assessment)

	// The pattern is supplementary; leave it out if it cannot be fetched.
	if raw, err := h.client.RiskPattern(ctx, user, -1, -1); err == nil {
		var p struct {
			Hour  int     `json:"hour"`
			Day   int     `json:"day"`
			Score float64 `json:"score"`
		}
		if json.Unmarshal(raw, &p) == nil {
			text += fmt.Sprintf("  Historical risk at %02d:00 on %s: %.2f\n",
				p.Hour, weekdayName(p.Day), p.Score)
		}
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetStreak reports the protection streak.
func (h *Handlers) HandleGetStreak(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, errResult := h.user(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Streak(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get streak: %v", err)), nil
	}
	var resp struct {
		Streak streak.State `json:"streak"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse streak: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Protection streak: %s\n", days(resp.Streak.CurrentDays))
	fmt.Fprintf(&sb, "Longest streak: %s\n", days(resp.Streak.LongestDays))
	if !resp.Streak.LastProtection.IsZero() {
		fmt.Fprintf(&sb, "Last protected: %s\n", resp.Streak.LastProtection.Format("Mon Jan 2"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListUnblocks lists recent unblocks.
func (h *Handlers) HandleListUnblocks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, errResult := h.user(req)
	if errResult != nil {
		return errResult, nil
	}
	limit := req.GetInt("limit", defaultUnblockLimit)

	raw, err := h.client.Events(ctx, user, limit, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list unblocks: %v", err)), nil
	}
	var resp struct {
		Events     []events.UnblockEvent `json:"events"`
		NextCursor string                `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse unblocks: %v", err)), nil
	}
	if len(resp.Events) == 0 {
		return mcp.NewToolResultText("No unblocks recorded."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d unblock(s):\n\n", len(resp.Events))
	for i, ev := range resp.Events {
		fmt.Fprintf(&sb, "%d. %s, %d min, %s", i+1,
			ev.Timestamp.Format("Mon Jan 2 15:04"), ev.DurationMinutes, ev.PurchaseType)
		if ev.Tag != "" {
			fmt.Fprintf(&sb, " (%s)", ev.Tag)
		}
		sb.WriteString("\n")
	}
	if resp.NextCursor != "" {
		sb.WriteString("\nMore unblocks are available.")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckSchedule evaluates the user's schedules at a point in time.
func (h *Handlers) HandleCheckSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, errResult := h.user(req)
	if errResult != nil {
		return errResult, nil
	}
	var at time.Time
	if raw := req.GetString("at", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError("at must be an RFC3339 timestamp"), nil
		}
		at = t
	}

	raw, err := h.client.Evaluate(ctx, user, at)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check schedule: %v", err)), nil
	}
	var resp struct {
		At           time.Time          `json:"at"`
		Active       bool               `json:"active"`
		Schedule     *schedule.Schedule `json:"schedule"`
		NextBoundary *time.Time         `json:"nextBoundary"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	var sb strings.Builder
	when := resp.At.Format("Mon Jan 2 15:04")
	if resp.Active && resp.Schedule != nil {
		fmt.Fprintf(&sb, "Quiet hours are active at %s: %s\n", when, describeSchedule(*resp.Schedule))
	} else {
		fmt.Fprintf(&sb, "No quiet hours at %s.\n", when)
	}
	if resp.NextBoundary != nil {
		fmt.Fprintf(&sb, "Next change: %s\n", resp.NextBoundary.Format("Mon Jan 2 15:04"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func formatMonitoring(raw json.RawMessage) (string, error) {
	var resp struct {
		Monitoring coordinator.Snapshot `json:"monitoring"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	snap := resp.Monitoring

	var sb strings.Builder
	fmt.Fprintf(&sb, "User: %s\n", snap.UserID)
	fmt.Fprintf(&sb, "State: %s\n", describeState(snap.State))
	if snap.ActiveScheduleID != "" {
		for _, s := range snap.Schedules {
			if s.ID == snap.ActiveScheduleID {
				fmt.Fprintf(&sb, "Active schedule: %s\n", describeSchedule(s))
			}
		}
	}
	if snap.UnblockedUntil != nil {
		fmt.Fprintf(&sb, "Unblocked until: %s\n", snap.UnblockedUntil.Format("15:04"))
	}
	if len(snap.Shielded) > 0 {
		fmt.Fprintf(&sb, "Shielded apps: %s\n", strings.Join(snap.Shielded, ", "))
	}
	if len(snap.MonitoredApps) == 0 {
		sb.WriteString("Monitored apps: none selected\n")
	} else {
		fmt.Fprintf(&sb, "Monitored apps: %d\n", len(snap.MonitoredApps))
	}
	fmt.Fprintf(&sb, "Schedules: %d\n", len(snap.Schedules))
	return sb.String(), nil
}

func formatAssessment(a risk.RiskAssessment) string {
	var sb strings.Builder
	sb.WriteString("Impulse-spending risk:\n")
	fmt.Fprintf(&sb, "  Score: %.2f (%s)\n", a.Score, a.Recommendation)
	if len(a.Factors) > 0 {
		fmt.Fprintf(&sb, "  Factors: %s\n", strings.Join(a.Factors, ", "))
	} else {
		sb.WriteString("  Factors: none\n")
	}
	return sb.String()
}

func describeState(s coordinator.State) string {
	switch s {
	case coordinator.StateStopped:
		return "monitoring off"
	case coordinator.StateTrackingOnly:
		return "monitoring, outside quiet hours"
	case coordinator.StateBlocking:
		return "blocking"
	case coordinator.StateTemporarilyUnblocked:
		return "temporarily unblocked"
	default:
		return string(s)
	}
}

func describeSchedule(s schedule.Schedule) string {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return fmt.Sprintf("%s (%s to %s)", name, s.Start, s.End)
}

func weekdayName(isoDay int) string {
	if isoDay < 1 || isoDay > 7 {
		return "?"
	}
	return time.Weekday(isoDay % 7).String()
}

func days(n int) string {
	if n == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", n)
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
