package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/quasar-intents/internal/app"
	"github.com/vthunder/quasar-intents/internal/logging"
)

const (
	defaultActivityCount = 20
	maxActivityCount     = 500
)

// RegisterAll registers every tool with the server
func RegisterAll(s *server.MCPServer, deps *Dependencies) {
	registerIntentTools(s, deps)
	registerScenarioTools(s, deps)
	registerActivityTools(s, deps)
}

func registerIntentTools(s *server.MCPServer, deps *Dependencies) {
	s.AddTool(mcp.NewTool("list_intents",
		mcp.WithDescription("List the configured intents with their ids, trigger phrases, scenario names and the phrase the speaker says to deliver them."),
	), deps.wrap("list_intents", listIntents(deps)))

	s.AddTool(mcp.NewTool("fire_intent",
		mcp.WithDescription("Fire an intent by id as if it had been heard by a speaker of the account. Used by the intent player in device mode."),
		mcp.WithString("account",
			mcp.Required(),
			mcp.Description("Account name from the configuration"),
		),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Intent id, as shown by list_intents"),
		),
	), deps.wrap("fire_intent", fireIntent(deps)))
}

func registerScenarioTools(s *server.MCPServer, deps *Dependencies) {
	s.AddTool(mcp.NewTool("sync_scenarios",
		mcp.WithDescription("Create, update and delete the account's cloud scenarios so they match the configured intents."),
		mcp.WithString("account",
			mcp.Required(),
			mcp.Description("Account name from the configuration"),
		),
	), deps.wrap("sync_scenarios", syncScenarios(deps)))

	s.AddTool(mcp.NewTool("plan_scenarios",
		mcp.WithDescription("Show what sync_scenarios would change without changing anything."),
		mcp.WithString("account",
			mcp.Required(),
			mcp.Description("Account name from the configuration"),
		),
	), deps.wrap("plan_scenarios", planScenarios(deps)))

	s.AddTool(mcp.NewTool("list_scenarios",
		mcp.WithDescription("List every scenario of the account in the cloud, including ones this service does not own."),
		mcp.WithString("account",
			mcp.Required(),
			mcp.Description("Account name from the configuration"),
		),
	), deps.wrap("list_scenarios", listScenarios(deps)))
}

func registerActivityTools(s *server.MCPServer, deps *Dependencies) {
	s.AddTool(mcp.NewTool("activity_recent",
		mcp.WithDescription("Get recent activity: heard phrases, dispatched intents, commands, refusals and syncs."),
		mcp.WithNumber("limit",
			mcp.Description("Number of entries to return (default 20)"),
		),
	), deps.wrap("activity_recent", activityRecent(deps)))
}

func (deps *Dependencies) wrap(name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.OnToolCall != nil {
			deps.OnToolCall(name)
		}
		logging.Debug("mcp", "Tool call: %s", name)
		return h(ctx, req)
	}
}

func listIntents(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(app.DescribeAll(deps.App.Intents()))
	}
}

func fireIntent(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		ac, errResult := account(deps, args)
		if errResult != nil {
			return errResult, nil
		}
		raw, ok := args["id"].(float64)
		if !ok || raw < 0 || raw != float64(int(raw)) {
			return mcp.NewToolResultError("id must be a non-negative integer"), nil
		}
		id := int(raw)

		in := ac.Registry.Get(id)
		if in == nil || !ac.Fire(ctx, id) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown intent %d", id)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Fired intent %d (%s) on %s.", id, in.Name, ac.Name())), nil
	}
}

func syncScenarios(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		ac, errResult := account(deps, args)
		if errResult != nil {
			return errResult, nil
		}
		report, err := ac.Sync(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"created": report.Created,
			"updated": report.Updated,
			"failed":  report.Failed,
			"stopped": report.Stopped,
		})
	}
}

func planScenarios(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		ac, errResult := account(deps, args)
		if errResult != nil {
			return errResult, nil
		}
		plan, err := ac.Plan(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to plan: %v", err)), nil
		}
		if len(plan) == 0 {
			return mcp.NewToolResultText("Scenarios are up to date."), nil
		}
		items := make([]map[string]string, 0, len(plan))
		for _, p := range plan {
			items = append(items, map[string]string{"op": string(p.Op), "name": p.Name, "remote_id": p.RemoteID})
		}
		return jsonResult(items)
	}
}

func listScenarios(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		ac, errResult := account(deps, args)
		if errResult != nil {
			return errResult, nil
		}
		scenarios, err := ac.Client.Scenarios(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list scenarios: %v", err)), nil
		}
		return jsonResult(scenarios)
	}
}

func activityRecent(deps *Dependencies) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)

		journal := deps.App.Journal()
		if journal == nil {
			return mcp.NewToolResultError("activity journal is disabled"), nil
		}
		count := defaultActivityCount
		if c, ok := args["limit"].(float64); ok && c > 0 {
			count = min(int(c), maxActivityCount)
		}

		entries, err := journal.Recent(count)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get recent entries: %v", err)), nil
		}
		return jsonResult(entries)
	}
}

func account(deps *Dependencies, args map[string]any) (*app.Account, *mcp.CallToolResult) {
	name, _ := args["account"].(string)
	if name == "" {
		return nil, mcp.NewToolResultError("account is required")
	}
	ac, err := deps.App.Account(name)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return ac, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
