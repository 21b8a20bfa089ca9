package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/pilot/internal/config"
)

// RetryPolicy bounds how often and how patiently a model call is retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// PolicyFromConfig converts a configured retry section into a policy.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff.Duration(),
		MaxBackoff:     c.MaxBackoff.Duration(),
		Multiplier:     c.Multiplier,
	}
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Upstream failures are reported as ErrUpstreamUnavailable,
// or ErrUpstreamInvalidResponse when the last attempt produced malformed
// output. Errors that are not upstream failures are returned unchanged.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	var last *UpstreamError
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var ue *UpstreamError
		if !errors.As(err, &ue) {
			return err
		}
		last = ue
		slog.Debug("model call failed", "provider", ue.Provider, "kind", ue.Kind, "attempt", attempt, "error", ue.Err)

		if !ue.Kind.Retryable() {
			slog.Warn("model call rejected", "provider", ue.Provider, "kind", ue.Kind)
			return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, ue.Kind)
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		slog.Warn("model call failed, retrying", "provider", ue.Provider, "kind", ue.Kind, "attempt", attempt, "backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if last.Kind == KindInvalidResponse {
		return fmt.Errorf("%w after %d attempts", ErrUpstreamInvalidResponse, attempts)
	}
	return fmt.Errorf("%w after %d attempts: %s", ErrUpstreamUnavailable, attempts, last.Kind)
}
