// Package callbacks provides Eino callback handlers that bridge model calls to the event bus.
package callbacks

import (
	"context"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	ub "github.com/cloudwego/eino/utils/callbacks"

	"github.com/dohr-michael/pilot/internal/events"
	"github.com/dohr-michael/pilot/internal/models"
)

type callStartKey struct{}

type callStart struct {
	at    time.Time
	model string
}

// NewEventBusHandler creates a callback handler that publishes internal.llm.call
// events for every chat model request, response and failure.
func NewEventBusHandler(bus *events.Bus) callbacks.Handler {
	publish := func(ctx context.Context, payload events.LLMCallPayload) {
		_ = bus.Publish(events.NewTypedEventWithOwner(events.SourceModels, payload, events.OwnerFromContext(ctx)))
	}

	modelHandler := &ub.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *callbacks.RunInfo, input *model.CallbackInput) context.Context {
			start := callStart{at: time.Now()}
			if input.Config != nil {
				start.model = input.Config.Model
			}
			publish(ctx, events.LLMCallPayload{
				Phase:        "request",
				Model:        start.model,
				Provider:     info.Name,
				MessageCount: len(input.Messages),
			})
			return context.WithValue(ctx, callStartKey{}, start)
		},

		OnEnd: func(ctx context.Context, info *callbacks.RunInfo, output *model.CallbackOutput) context.Context {
			start, _ := ctx.Value(callStartKey{}).(callStart)
			payload := events.LLMCallPayload{
				Phase:    "response",
				Model:    start.model,
				Provider: info.Name,
			}
			if !start.at.IsZero() {
				payload.Duration = time.Since(start.at)
			}
			switch {
			case output.TokenUsage != nil:
				payload.TokensInput = output.TokenUsage.PromptTokens
				payload.TokensOutput = output.TokenUsage.CompletionTokens
			case output.Message != nil && output.Message.ResponseMeta != nil && output.Message.ResponseMeta.Usage != nil:
				payload.TokensInput = output.Message.ResponseMeta.Usage.PromptTokens
				payload.TokensOutput = output.Message.ResponseMeta.Usage.CompletionTokens
			}
			publish(ctx, payload)
			return ctx
		},

		OnError: func(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
			start, _ := ctx.Value(callStartKey{}).(callStart)
			publish(ctx, events.LLMCallPayload{
				Phase:    "error",
				Model:    start.model,
				Provider: info.Name,
				Error:    truncatePayload(safeError(info.Name, err), 200),
			})
			return ctx
		},
	}

	return ub.NewHandlerHelper().
		ChatModel(modelHandler).
		Handler()
}

// safeError reduces a provider error to its classification so raw bodies
// never reach event consumers.
func safeError(provider string, err error) string {
	if err == nil {
		return ""
	}
	return models.HandleError(provider, err).Error()
}

func truncatePayload(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
