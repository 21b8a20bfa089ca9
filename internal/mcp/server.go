package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/pilot/internal/core"
	"github.com/dohr-michael/pilot/internal/events"
	"github.com/dohr-michael/pilot/internal/tasks"
)

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Server binds MCP tools to a Service on behalf of a single owner.
type Server struct {
	svc   *core.Service
	owner string
}

// NewMCPServer creates an MCP server whose tools act as owner.
func NewMCPServer(svc *core.Service, owner, version string) *mcpsdk.Server {
	s := &Server{svc: svc, owner: owner}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "pilot",
		Version: version,
	}, nil)

	for _, t := range s.tools() {
		server.AddTool(toMCPTool(t.spec), s.wrap(t.spec.Name, t.fn))
		slog.Debug("mcp tool registered", "tool", t.spec.Name)
	}
	return server
}

type tool struct {
	spec toolSpec
	fn   handlerFunc
}

func (s *Server) tools() []tool {
	return []tool{
		{
			spec: toolSpec{
				Name:        "breakdown_goal",
				Description: "Decompose a goal into a project of concrete, estimated subtasks and store them.",
				Parameters: map[string]paramSpec{
					"goal": {Type: "string", Description: "The goal to decompose", Required: true},
				},
			},
			fn: s.breakdownGoal,
		},
		{
			spec: toolSpec{
				Name:        "ask_tasks",
				Description: "Ask a natural-language question about the current task list.",
				Parameters: map[string]paramSpec{
					"question": {Type: "string", Description: "The question to answer", Required: true},
				},
			},
			fn: s.askTasks,
		},
		{
			spec: toolSpec{
				Name:        "rank_tasks",
				Description: "Recompute priorities and return outstanding tasks, most urgent first.",
				Parameters:  map[string]paramSpec{},
			},
			fn: s.rankTasks,
		},
	}
}

func (s *Server) wrap(name string, fn handlerFunc) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		ctx = events.ContextWithOwner(ctx, s.owner)
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		out, err := fn(ctx, args)
		if err != nil {
			slog.Debug("mcp tool error", "tool", name, "error", err)
			return errorResult(core.SafeMessage(err)), nil
		}
		if text, ok := out.(string); ok {
			return textResult(text), nil
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s result: %w", name, err)
		}
		return textResult(string(data)), nil
	}
}

func (s *Server) breakdownGoal(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Goal string `json:"goal"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return s.svc.Breakdown(ctx, s.owner, args.Goal)
}

func (s *Server) askTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Question string `json:"question"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	ans, err := s.svc.Query(ctx, s.owner, args.Question)
	if err != nil {
		return nil, err
	}
	return ans.Response, nil
}

func (s *Server) rankTasks(ctx context.Context, _ json.RawMessage) (any, error) {
	snap, err := s.svc.Recompute(ctx, s.owner)
	if err != nil {
		return nil, err
	}
	open, err := s.svc.ListTasks(ctx, s.owner, tasks.Outstanding())
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(open))
	for _, t := range open {
		titles[t.ID] = t.Title
	}

	if len(snap.Entries) == 0 {
		return "No outstanding tasks.", nil
	}
	var b strings.Builder
	for _, e := range snap.Entries {
		fmt.Fprintf(&b, "%d. [P%d %s] %s (%s)", e.Rank, e.Priority, e.Band, titles[e.TaskID], e.TaskID)
		if e.Overdue {
			b.WriteString(" overdue")
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return tasks.Invalid("arguments", "%v", err)
	}
	return nil
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}
