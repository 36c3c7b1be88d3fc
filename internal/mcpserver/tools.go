package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the quietguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

func userParam() mcp.ToolOption {
	return mcp.WithString("user_id",
		mcp.Description("User to act on. Defaults to the user this server was started for."))
}

var ToolMonitoringStatus = mcp.NewTool("get_monitoring_status",
	mcp.WithDescription(
		"Show whether quiet-hours monitoring is on for a user, which schedule is active, "+
			"which shopping apps are shielded, and when a temporary unblock ends."),
	userParam(),
)

var ToolStartMonitoring = mcp.NewTool("start_monitoring",
	mcp.WithDescription(
		"Turn on monitoring. During an active quiet-hours schedule the monitored shopping apps "+
			"are shielded immediately. Fails if the user has not selected any apps."),
	userParam(),
)

var ToolStopMonitoring = mcp.NewTool("stop_monitoring",
	mcp.WithDescription(
		"Turn off monitoring and remove every shield. Only do this when the user explicitly asks."),
	userParam(),
)

var ToolTemporarilyUnblock = mcp.NewTool("temporarily_unblock",
	mcp.WithDescription(
		"Lift the shield for a limited number of minutes. The unblock is logged, resets the "+
			"protection streak and raises the risk score. Blocking resumes automatically."),
	userParam(),
	mcp.WithNumber("minutes",
		mcp.Required(),
		mcp.Description("How long to unblock, 1 to 1440 minutes")),
	mcp.WithString("purchase_type",
		mcp.Description("What the user intends to buy: 'planned' (on a list), 'impulse', or 'none'"),
		mcp.Enum("planned", "impulse", "none")),
	mcp.WithString("tag",
		mcp.Description("Optional short note, e.g. 'groceries'")),
)

var ToolGetRisk = mcp.NewTool("get_risk",
	mcp.WithDescription(
		"Get the user's current impulse-spending risk score (0 to 1), the factors behind it, "+
			"and the historical risk for the current hour and weekday."),
	userParam(),
)

var ToolGetStreak = mcp.NewTool("get_streak",
	mcp.WithDescription(
		"Get how many consecutive days the user stayed protected, and their longest streak."),
	userParam(),
)

var ToolListUnblocks = mcp.NewTool("list_unblocks",
	mcp.WithDescription(
		"List the user's recent temporary unblocks with purchase intent and duration."),
	userParam(),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of unblocks to return (default 10)")),
)

var ToolCheckSchedule = mcp.NewTool("check_schedule",
	mcp.WithDescription(
		"Check whether a quiet-hours schedule is active at a given time and when the next "+
			"schedule boundary is."),
	userParam(),
	mcp.WithString("at",
		mcp.Description("RFC3339 time to check, e.g. '2026-10-20T23:30:00Z'. Defaults to now.")),
)
