package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/quietguard/internal/apiclient"
)

// Config holds the connection settings for the quietguard API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // API bearer token
	UserID string // default user when a tool call names none
}

// NewMCPServer creates a configured MCP server with all quietguard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("quietguard", "0.1.0")
	client := apiclient.New(apiclient.Config{BaseURL: cfg.APIURL, Token: cfg.Token})
	h := NewHandlers(client, cfg.UserID)

	s.AddTool(ToolMonitoringStatus, h.HandleMonitoringStatus)
	s.AddTool(ToolStartMonitoring, h.HandleStartMonitoring)
	s.AddTool(ToolStopMonitoring, h.HandleStopMonitoring)
	s.AddTool(ToolTemporarilyUnblock, h.HandleTemporarilyUnblock)
	s.AddTool(ToolGetRisk, h.HandleGetRisk)
	s.AddTool(ToolGetStreak, h.HandleGetStreak)
	s.AddTool(ToolListUnblocks, h.HandleListUnblocks)
	s.AddTool(ToolCheckSchedule, h.HandleCheckSchedule)

	return s
}
