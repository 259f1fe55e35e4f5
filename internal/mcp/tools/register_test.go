package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/quasar-intents/internal/activity"
	"github.com/vthunder/quasar-intents/internal/app"
	"github.com/vthunder/quasar-intents/internal/config"
	"github.com/vthunder/quasar-intents/internal/quasar/quasartest"
)

type fakeHost struct {
	mu     sync.Mutex
	events []map[string]any
}

func (h *fakeHost) Fire(ctx context.Context, event string, data map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, data)
	return nil
}

func (h *fakeHost) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	return nil
}

func (h *fakeHost) Notify(ctx context.Context, id, title, message string) error {
	return nil
}

func newTestDeps(t *testing.T, withJournal bool) (*Dependencies, *quasartest.Server, *fakeHost) {
	t.Helper()
	srv := quasartest.NewServer(t)

	var journal *activity.Log
	if withJournal {
		var err error
		journal, err = activity.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open journal: %v", err)
		}
		t.Cleanup(func() { journal.Close() })
	}

	cfg := &config.Config{
		Intents: map[string]config.IntentConfig{
			"свет":   {},
			"погода": {SayPhrase: "Сейчас солнечно"},
		},
		Accounts: []config.Account{
			{Name: "home", XToken: quasartest.XToken, Mode: config.ModeWebsocket},
		},
	}
	host := &fakeHost{}
	endpoints := srv.Endpoints()
	a, err := app.New(cfg, host, journal, app.Options{BaseURL: srv.URL, Endpoints: &endpoints})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return &Dependencies{App: a}, srv, host
}

func call(t *testing.T, h server.ToolHandlerFunc, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args

	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestListIntents(t *testing.T) {
	deps, _, _ := newTestDeps(t, false)

	out, isErr := call(t, listIntents(deps), nil)
	if isErr {
		t.Fatalf("unexpected error: %s", out)
	}
	var intents []app.IntentInfo
	if err := json.Unmarshal([]byte(out), &intents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(intents) != 2 || intents[0].Name != "погода" || intents[1].Name != "свет" {
		t.Errorf("unexpected intents: %+v", intents)
	}
	if intents[0].EncodedPhrase != "Сейчас солнечно---," {
		t.Errorf("unexpected encoded phrase: %q", intents[0].EncodedPhrase)
	}
}

func TestFireIntent(t *testing.T) {
	deps, _, host := newTestDeps(t, false)

	out, isErr := call(t, fireIntent(deps), map[string]any{"account": "home", "id": float64(1)})
	if isErr {
		t.Fatalf("unexpected error: %s", out)
	}
	if !strings.Contains(out, "свет") {
		t.Errorf("expected intent name in %q", out)
	}
	if len(host.events) != 1 || host.events[0]["text"] != "свет" {
		t.Errorf("unexpected events: %v", host.events)
	}
}

func TestFireIntent_Invalid(t *testing.T) {
	deps, _, host := newTestDeps(t, false)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing account", map[string]any{"id": float64(0)}},
		{"unknown account", map[string]any{"account": "nope", "id": float64(0)}},
		{"missing id", map[string]any{"account": "home"}},
		{"fractional id", map[string]any{"account": "home", "id": 0.5}},
		{"unknown id", map[string]any{"account": "home", "id": float64(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out, isErr := call(t, fireIntent(deps), tt.args); !isErr {
				t.Errorf("expected error result, got %q", out)
			}
		})
	}
	if len(host.events) != 0 {
		t.Errorf("expected no events, got %v", host.events)
	}
}

func TestSyncAndListScenarios(t *testing.T) {
	deps, srv, _ := newTestDeps(t, false)
	srv.AddScenario("Утро")

	out, isErr := call(t, syncScenarios(deps), map[string]any{"account": "home"})
	if isErr {
		t.Fatalf("sync failed: %s", out)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created, _ := report["created"].([]any); len(created) != 2 {
		t.Errorf("expected 2 created, got %v", report["created"])
	}

	out, isErr = call(t, listScenarios(deps), map[string]any{"account": "home"})
	if isErr {
		t.Fatalf("list failed: %s", out)
	}
	var scenarios []map[string]any
	if err := json.Unmarshal([]byte(out), &scenarios); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(scenarios) != 3 {
		t.Errorf("expected 3 scenarios, got %v", scenarios)
	}

	out, _ = call(t, planScenarios(deps), map[string]any{"account": "home"})
	var items []map[string]string
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	for _, item := range items {
		if item["op"] != "update" {
			t.Errorf("expected only updates after sync, got %v", items)
		}
	}
}

func TestPlanScenarios(t *testing.T) {
	deps, srv, _ := newTestDeps(t, false)
	srv.AddScenario("--- старое")

	out, isErr := call(t, planScenarios(deps), map[string]any{"account": "home"})
	if isErr {
		t.Fatalf("plan failed: %s", out)
	}
	var items []map[string]string
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 3 || items[0]["op"] != "delete" || items[0]["name"] != "старое" {
		t.Errorf("unexpected plan: %v", items)
	}
	if names := srv.ScenarioNames(); len(names) != 1 {
		t.Errorf("plan must not change scenarios, got %v", names)
	}
}

func TestSyncScenarios_Unauthorized(t *testing.T) {
	deps, srv, _ := newTestDeps(t, false)
	srv.ExpireAuth()

	if out, isErr := call(t, syncScenarios(deps), map[string]any{"account": "home"}); !isErr {
		t.Errorf("expected error result, got %q", out)
	}
}

func TestActivityRecent(t *testing.T) {
	deps, _, _ := newTestDeps(t, true)
	call(t, fireIntent(deps), map[string]any{"account": "home", "id": float64(0)})
	call(t, fireIntent(deps), map[string]any{"account": "home", "id": float64(1)})

	out, isErr := call(t, activityRecent(deps), map[string]any{"limit": float64(1)})
	if isErr {
		t.Fatalf("unexpected error: %s", out)
	}
	var entries []activity.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Subject != "свет" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestActivityRecent_Disabled(t *testing.T) {
	deps, _, _ := newTestDeps(t, false)

	if out, isErr := call(t, activityRecent(deps), nil); !isErr {
		t.Errorf("expected error result, got %q", out)
	}
}

func TestWrap_CallsHook(t *testing.T) {
	deps, _, _ := newTestDeps(t, false)
	var called []string
	deps.OnToolCall = func(name string) { called = append(called, name) }

	call(t, deps.wrap("list_intents", listIntents(deps)), nil)
	if len(called) != 1 || called[0] != "list_intents" {
		t.Errorf("expected hook call, got %v", called)
	}
}

func TestRegisterAll(t *testing.T) {
	deps, _, _ := newTestDeps(t, false)
	s := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	RegisterAll(s, deps)

	ctx := context.Background()
	s.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"0.0.0"}}}`))
	resp := s.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, name := range []string{"list_intents", "fire_intent", "sync_scenarios", "plan_scenarios", "list_scenarios", "activity_recent"} {
		if !strings.Contains(string(data), `"`+name+`"`) {
			t.Errorf("tool %s not listed", name)
		}
	}
}
