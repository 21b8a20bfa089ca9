package models

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// fakeChat is a scripted chat model.
type fakeChat struct {
	mu       sync.Mutex
	reply    string
	err      error
	delay    time.Duration
	received [][]*schema.Message

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeChat) Generate(ctx context.Context, msgs []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.received = append(f.received, msgs)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChat) Stream(ctx context.Context, msgs []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, msgs, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func TestChatGateway_Generate(t *testing.T) {
	chat := &fakeChat{reply: "  Focus on the report first.  "}
	gw := NewChatGateway("fake", chat, GatewayOptions{})

	got, err := gw.Generate(context.Background(), Prompt{System: "sys", User: "what next?"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Focus on the report first." {
		t.Fatalf("unexpected text %q", got)
	}

	msgs := chat.received[0]
	if len(msgs) != 2 || msgs[0].Role != schema.System || msgs[1].Role != schema.User {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[1].Content != "what next?" {
		t.Fatalf("unexpected user content %q", msgs[1].Content)
	}
}

func TestChatGateway_GenerateEmptyIsInvalidResponse(t *testing.T) {
	gw := NewChatGateway("fake", &fakeChat{reply: "   "}, GatewayOptions{})

	_, err := gw.Generate(context.Background(), Prompt{User: "q"})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindInvalidResponse {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestChatGateway_GenerateStructured(t *testing.T) {
	chat := &fakeChat{reply: "Sure!\n```json\n{\"name\": \"Launch\", \"count\": 3}\n```"}
	gw := NewChatGateway("fake", chat, GatewayOptions{})

	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := gw.GenerateStructured(context.Background(), Prompt{System: "plan", User: "goal"}, `{"name": "string"}`, &out); err != nil {
		t.Fatalf("GenerateStructured: %v", err)
	}
	if out.Name != "Launch" || out.Count != 3 {
		t.Fatalf("unexpected decode %+v", out)
	}

	sys := chat.received[0][0].Content
	if !strings.HasPrefix(sys, "plan") || !strings.Contains(sys, `{"name": "string"}`) {
		t.Fatalf("schema hint missing from system prompt: %q", sys)
	}
}

func TestChatGateway_GenerateStructuredMalformed(t *testing.T) {
	for _, reply := range []string{"no json here", `{"name": `, `["a", "b"]`} {
		gw := NewChatGateway("fake", &fakeChat{reply: reply}, GatewayOptions{})
		var out map[string]any
		err := gw.GenerateStructured(context.Background(), Prompt{User: "goal"}, "{}", &out)
		var ue *UpstreamError
		if !errors.As(err, &ue) || ue.Kind != KindInvalidResponse {
			t.Errorf("reply %q: expected invalid response, got %v", reply, err)
		}
	}
}

func TestChatGateway_PerAttemptTimeout(t *testing.T) {
	gw := NewChatGateway("fake", &fakeChat{reply: "late", delay: time.Second}, GatewayOptions{Timeout: 10 * time.Millisecond})

	_, err := gw.Generate(context.Background(), Prompt{User: "q"})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestChatGateway_CallerCancellation(t *testing.T) {
	gw := NewChatGateway("fake", &fakeChat{reply: "late", delay: time.Second}, GatewayOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := gw.Generate(ctx, Prompt{User: "q"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline to pass through, got %v", err)
	}
}

func TestChatGateway_ProviderErrorClassified(t *testing.T) {
	gw := NewChatGateway("fake", &fakeChat{err: errors.New("401 unauthorized")}, GatewayOptions{})

	_, err := gw.Generate(context.Background(), Prompt{User: "q"})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestChatGateway_ConcurrencyBound(t *testing.T) {
	chat := &fakeChat{reply: "ok", delay: 20 * time.Millisecond}
	gw := NewChatGateway("fake", chat, GatewayOptions{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gw.Generate(context.Background(), Prompt{User: "q"}); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := chat.peak.Load(); peak > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`Here you go: {"a":{"b":2}} hope it helps`, `{"a":{"b":2}}`},
		{`nothing`, ``},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
