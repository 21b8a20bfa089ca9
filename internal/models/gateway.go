package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/semaphore"
)

const defaultCallTimeout = 60 * time.Second

// Prompt is a single-turn generation request.
type Prompt struct {
	System string
	User   string
}

// Gateway is the text-generation capability the engine depends on.
type Gateway interface {
	// Generate returns the model's free-text answer.
	Generate(ctx context.Context, p Prompt, opts ...model.Option) (string, error)
	// GenerateStructured asks for a JSON document described by schemaHint and
	// decodes it into out. Output that cannot be decoded is a KindInvalidResponse failure.
	GenerateStructured(ctx context.Context, p Prompt, schemaHint string, out any, opts ...model.Option) error
}

// ChatGateway adapts an eino chat model to Gateway. Every call is bounded by
// a per-provider concurrency limit and a per-attempt timeout.
type ChatGateway struct {
	name     string
	chat     model.BaseChatModel
	sem      *semaphore.Weighted
	timeout  time.Duration
	handlers []callbacks.Handler
}

// GatewayOptions tunes a ChatGateway.
type GatewayOptions struct {
	MaxConcurrent int
	Timeout       time.Duration
	Handlers      []callbacks.Handler
}

// NewChatGateway wraps chat under the given provider name.
func NewChatGateway(name string, chat model.BaseChatModel, opts GatewayOptions) *ChatGateway {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}
	return &ChatGateway{
		name:     name,
		chat:     chat,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		timeout:  opts.Timeout,
		handlers: opts.Handlers,
	}
}

// Name returns the provider name.
func (g *ChatGateway) Name() string { return g.name }

func (g *ChatGateway) Generate(ctx context.Context, p Prompt, opts ...model.Option) (string, error) {
	msg, err := g.call(ctx, p, opts)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return "", &UpstreamError{Kind: KindInvalidResponse, Provider: g.name, Err: errors.New("empty response")}
	}
	return text, nil
}

func (g *ChatGateway) GenerateStructured(ctx context.Context, p Prompt, schemaHint string, out any, opts ...model.Option) error {
	p.System = strings.TrimSpace(p.System + "\n\n" + structuredInstructions(schemaHint))

	msg, err := g.call(ctx, p, opts)
	if err != nil {
		return err
	}

	raw := extractJSON(msg.Content)
	if raw == "" {
		slog.Debug("model returned no JSON document", "provider", g.name, "body", truncate(msg.Content, 500))
		return &UpstreamError{Kind: KindInvalidResponse, Provider: g.name, Err: errors.New("no JSON object in response")}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		slog.Debug("model returned malformed JSON", "provider", g.name, "error", err, "body", truncate(raw, 500))
		return &UpstreamError{Kind: KindInvalidResponse, Provider: g.name, Err: fmt.Errorf("decode structured output: %w", err)}
	}
	return nil
}

func (g *ChatGateway) call(ctx context.Context, p Prompt, opts []model.Option) (*schema.Message, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if len(g.handlers) > 0 {
		attemptCtx = callbacks.InitCallbacks(attemptCtx, &callbacks.RunInfo{
			Name:      g.name,
			Component: components.ComponentOfChatModel,
		}, g.handlers...)
	}

	var msgs []*schema.Message
	if p.System != "" {
		msgs = append(msgs, schema.SystemMessage(p.System))
	}
	msgs = append(msgs, schema.UserMessage(p.User))

	msg, err := g.chat.Generate(attemptCtx, msgs, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &UpstreamError{Kind: KindTimeout, Provider: g.name, Err: err}
		}
		return nil, HandleError(g.name, err)
	}
	if msg == nil {
		return nil, &UpstreamError{Kind: KindInvalidResponse, Provider: g.name, Err: errors.New("nil message")}
	}
	return msg, nil
}

func structuredInstructions(schemaHint string) string {
	return "Respond with a single JSON object and nothing else. No prose, no markdown fences.\n" +
		"The object must match this schema:\n" + schemaHint
}

// extractJSON returns the outermost JSON object in s, tolerating markdown
// fences and surrounding prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Gateway = (*ChatGateway)(nil)
