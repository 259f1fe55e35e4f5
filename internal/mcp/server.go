// Package mcp exposes intents and scenarios as MCP tools over stdio.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/quasar-intents/internal/logging"
	"github.com/vthunder/quasar-intents/internal/mcp/tools"
)

const serverName = "quasar-intents"

// NewServer creates an MCP server with every tool registered
func NewServer(deps *tools.Dependencies, version string) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
	)
	tools.RegisterAll(s, deps)
	return s
}

// Serve runs the MCP server on stdin/stdout until stdin closes
func Serve(deps *tools.Dependencies, version string) error {
	logging.Info("mcp", "Serving tools over stdio")
	return server.ServeStdio(NewServer(deps, version))
}
