package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestHandleError_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
		{"unauthorized", errors.New("401 Unauthorized: invalid x-api-key"), KindUnauthorized},
		{"rate limit", errors.New("429 Too Many Requests"), KindRateLimited},
		{"overloaded", errors.New("529 overloaded_error"), KindUnavailable},
		{"server", errors.New("500 internal server error"), KindUnavailable},
		{"refused", errors.New("dial tcp 127.0.0.1:11434: connection refused"), KindUnavailable},
		{"bad request", errors.New("400 Bad Request: messages: field required"), KindInvalidRequest},
		{"context length", errors.New("prompt exceeds context length"), KindInvalidRequest},
		{"client timeout", errors.New("net/http: request canceled (Client.Timeout exceeded)"), KindTimeout},
		{"proxy page", &ErrModelUnavailable{Provider: "ollama", Body: "no available server"}, KindUnavailable},
		{"backend 429", &ErrModelUnavailable{Provider: "ollama", Status: 429, Body: "slow down"}, KindRateLimited},
		{"backend 403", &ErrModelUnavailable{Provider: "ollama", Status: 403}, KindUnauthorized},
		{"status digits in url", fmt.Errorf(`Post "http://127.0.0.1:40112/api/chat": %w`, &ErrModelUnavailable{Provider: "ollama", Status: 502, Body: "bad gateway"}), KindUnavailable},
		{"backend deadline", &ErrModelUnavailable{Provider: "ollama", Cause: context.DeadlineExceeded}, KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := HandleError("p", tt.err)
			var ue *UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("expected *UpstreamError, got %T", err)
			}
			if ue.Kind != tt.want {
				t.Errorf("got kind %s, want %s", ue.Kind, tt.want)
			}
		})
	}
}

func TestHandleError_PassThrough(t *testing.T) {
	if HandleError("p", nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if err := HandleError("p", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation should pass through, got %v", err)
	}
	orig := &UpstreamError{Kind: KindInvalidResponse, Provider: "x"}
	if err := HandleError("p", orig); err != orig {
		t.Fatalf("already classified errors should pass through, got %v", err)
	}
}

func TestUpstreamError_SafeMessage(t *testing.T) {
	err := HandleError("claude", errors.New(`429 {"error": "org-1234 exceeded quota"}`))
	msg := err.Error()
	if strings.Contains(msg, "org-1234") {
		t.Fatalf("provider body leaked into %q", msg)
	}
	if msg != "model provider claude: rate_limited" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestKind_Retryable(t *testing.T) {
	retryable := []Kind{KindTimeout, KindRateLimited, KindUnavailable, KindInvalidResponse}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{KindUnauthorized, KindInvalidRequest} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}
