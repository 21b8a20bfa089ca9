package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/core"
	"github.com/dohr-michael/pilot/internal/models"
	"github.com/dohr-michael/pilot/internal/tasks"
)

type stubGateway struct {
	text       string
	structured string
}

func (g *stubGateway) Generate(context.Context, models.Prompt, ...model.Option) (string, error) {
	return g.text, nil
}

func (g *stubGateway) GenerateStructured(_ context.Context, _ models.Prompt, _ string, out any, _ ...model.Option) error {
	return json.Unmarshal([]byte(g.structured), out)
}

func newTestServer(t *testing.T, gw *stubGateway) *Server {
	t.Helper()
	store, err := tasks.OpenSQLite(filepath.Join(t.TempDir(), "pilot.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := core.NewService(store, gw, nil, config.Default().Engine).WithClock(func() time.Time { return now })
	return &Server{svc: svc, owner: "alice"}
}

func call(t *testing.T, h mcpsdk.ToolHandler, args string) *mcpsdk.CallToolResult {
	t.Helper()
	req := &mcpsdk.CallToolRequest{Params: &mcpsdk.CallToolParamsRaw{Arguments: json.RawMessage(args)}}
	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return res
}

func resultText(t *testing.T, res *mcpsdk.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content len = %d, want 1", len(res.Content))
	}
	tc, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("content is %T, want *TextContent", res.Content[0])
	}
	return tc.Text
}

func TestToMCPTool(t *testing.T) {
	mcpTool := toMCPTool(toolSpec{
		Name:        "test_tool",
		Description: "A test tool",
		Parameters: map[string]paramSpec{
			"name":  {Type: "string", Description: "The name", Required: true},
			"count": {Type: "integer", Description: "A count"},
			"mode":  {Type: "string", Description: "The mode", Required: true, Enum: []string{"fast", "slow"}},
		},
	})

	if mcpTool.Name != "test_tool" {
		t.Errorf("Name = %q, want %q", mcpTool.Name, "test_tool")
	}

	schemaBytes, err := json.Marshal(mcpTool.InputSchema)
	if err != nil {
		t.Fatalf("marshal InputSchema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		t.Fatalf("unmarshal InputSchema: %v", err)
	}

	if schema["type"] != "object" {
		t.Errorf("schema type = %v, want %q", schema["type"], "object")
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) != 3 {
		t.Fatalf("schema properties = %v", schema["properties"])
	}
	req, ok := schema["required"].([]any)
	if !ok || len(req) != 2 || req[0] != "mode" || req[1] != "name" {
		t.Errorf("schema required = %v, want [mode name]", schema["required"])
	}
	mode := props["mode"].(map[string]any)
	if enum, ok := mode["enum"].([]any); !ok || len(enum) != 2 {
		t.Errorf("mode enum = %v", mode["enum"])
	}
}

func TestToMCPTool_NoParams(t *testing.T) {
	mcpTool := toMCPTool(toolSpec{Name: "simple", Parameters: map[string]paramSpec{}})
	schema := mcpTool.InputSchema.(map[string]any)
	if _, ok := schema["required"]; ok {
		t.Error("schema should not have required field when no params are required")
	}
}

func TestNewMCPServer(t *testing.T) {
	s := newTestServer(t, &stubGateway{})
	if NewMCPServer(s.svc, "alice", "test") == nil {
		t.Fatal("NewMCPServer returned nil")
	}
	names := map[string]bool{}
	for _, tl := range s.tools() {
		names[tl.spec.Name] = true
	}
	for _, want := range []string{"breakdown_goal", "ask_tasks", "rank_tasks"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestBreakdownGoal(t *testing.T) {
	s := newTestServer(t, &stubGateway{
		structured: `{"project_name": "Move", "subtasks": [{"title": "Book van", "estimated_hours": 1}, {"title": "Pack"}]}`,
	})

	res := call(t, s.wrap("breakdown_goal", s.breakdownGoal), `{"goal": "Move flat"}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, res))
	}
	var out struct {
		ProjectName string `json:"project_name"`
		Subtasks    []struct {
			EstimateSource string `json:"estimate_source"`
		} `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.ProjectName != "Move" || len(out.Subtasks) != 2 {
		t.Fatalf("unexpected result: %+v", out)
	}
	if out.Subtasks[1].EstimateSource != "predicted" {
		t.Errorf("second subtask source = %q, want predicted", out.Subtasks[1].EstimateSource)
	}
}

func TestBreakdownGoal_Validation(t *testing.T) {
	s := newTestServer(t, &stubGateway{})
	h := s.wrap("breakdown_goal", s.breakdownGoal)

	if res := call(t, h, `{"goal": "   "}`); !res.IsError {
		t.Error("blank goal should be an error result")
	}
	if res := call(t, h, `{"goal": 42}`); !res.IsError {
		t.Error("mistyped goal should be an error result")
	}
}

func TestAskTasks(t *testing.T) {
	s := newTestServer(t, &stubGateway{text: "Nothing to do."})
	res := call(t, s.wrap("ask_tasks", s.askTasks), `{"question": "what next?"}`)
	if res.IsError || resultText(t, res) != "Nothing to do." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRankTasks(t *testing.T) {
	s := newTestServer(t, &stubGateway{})
	h := s.wrap("rank_tasks", s.rankTasks)

	if got := resultText(t, call(t, h, "")); got != "No outstanding tasks." {
		t.Fatalf("empty rank = %q", got)
	}

	ctx := context.Background()
	due := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	hours := 1.0
	if _, err := s.svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "Later", EstimatedHours: &hours}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.svc.CreateTask(ctx, "alice", tasks.TaskInput{Title: "Overdue bill", DueDate: &due, EstimatedHours: &hours}); err != nil {
		t.Fatal(err)
	}

	got := resultText(t, call(t, h, "{}"))
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 2 {
		t.Fatalf("rank lines = %q", got)
	}
	if !strings.HasPrefix(lines[0], "1. [P1 red] Overdue bill") || !strings.HasSuffix(lines[0], "overdue") {
		t.Errorf("first line = %q", lines[0])
	}
}
