// Command mcp serves the quietguard tools to an MCP client over stdio.
//
// Settings come from the environment (or a .env file):
//
//	QUIETGUARD_API_URL    server base URL (default http://localhost:8080)
//	QUIETGUARD_API_TOKEN  bearer token when the server sets API_TOKEN
//	QUIETGUARD_USER_ID    user for tool calls that do not pass user_id
//
// Stdout carries the protocol, so logs go to stderr.
package main

import (
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/quietguard/internal/logging"
	"github.com/mbd888/quietguard/internal/mcpserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	logger := logging.NewWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg := mcpserver.Config{
		APIURL: os.Getenv("QUIETGUARD_API_URL"),
		Token:  os.Getenv("QUIETGUARD_API_TOKEN"),
		UserID: os.Getenv("QUIETGUARD_USER_ID"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if u, err := url.Parse(cfg.APIURL); err != nil || u.Host == "" {
		logger.Error("QUIETGUARD_API_URL is not an absolute URL", "value", cfg.APIURL)
		return 2
	}
	if cfg.UserID == "" {
		logger.Warn("QUIETGUARD_USER_ID is not set; every tool call must pass user_id")
	}

	logger.Info("serving MCP over stdio", "api", cfg.APIURL)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("MCP server stopped", "error", err)
		return 1
	}
	return 0
}
