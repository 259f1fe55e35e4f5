// Package tools provides MCP tool registration with dependency injection.
package tools

import (
	"github.com/vthunder/quasar-intents/internal/app"
)

// Dependencies holds the services MCP tools need.
type Dependencies struct {
	App *app.App

	// OnToolCall is called before each tool runs. Optional.
	OnToolCall func(name string)
}
