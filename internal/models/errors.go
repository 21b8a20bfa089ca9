package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Errors surfaced to callers once the retry policy gives up. Provider detail
// never crosses this boundary; it is logged instead.
var (
	ErrUpstreamUnavailable     = errors.New("upstream model unavailable")
	ErrUpstreamInvalidResponse = errors.New("upstream model returned an invalid response")
)

// Kind classifies a failed model call.
type Kind int

const (
	KindUnavailable Kind = iota // transient server or transport failure
	KindTimeout
	KindRateLimited
	KindUnauthorized
	KindInvalidRequest
	KindInvalidResponse // output did not match the expected shape
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "unavailable"
	}
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnauthorized, KindInvalidRequest:
		return false
	default:
		return true
	}
}

// UpstreamError is a classified provider failure. Error() is safe to show to
// end users; the wrapped cause is only meant for logs.
type UpstreamError struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("model provider %s: %s", e.Provider, e.Kind)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ErrModelUnavailable is returned by HTTP transports when a backend answers
// with something that is not a model response (proxy pages, 5xx bodies).
type ErrModelUnavailable struct {
	Provider string
	Status   int // HTTP status when the backend answered, 0 otherwise
	Body     string
	Cause    error
}

func (e *ErrModelUnavailable) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%s unavailable: %v", e.Provider, e.Cause)
	case e.Body != "":
		return fmt.Sprintf("%s unavailable: %s", e.Provider, e.Body)
	default:
		return e.Provider + " unavailable"
	}
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

// HandleError converts SDK errors into a classified *UpstreamError.
// Cancellation of the caller's context is returned unchanged.
func HandleError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Kind: classify(err), Provider: provider, Err: err}
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	// Transport-level failures carry a status; the error text embeds the
	// request URL, which must not be matched as a status code.
	var unavail *ErrModelUnavailable
	if errors.As(err, &unavail) {
		switch unavail.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return KindUnauthorized
		case http.StatusTooManyRequests:
			return KindRateLimited
		}
		if errors.Is(unavail.Cause, context.DeadlineExceeded) || isNetTimeout(unavail.Cause) {
			return KindTimeout
		}
		return KindUnavailable
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden") {
		return KindUnauthorized
	}

	if containsAny(errStr, "429", "rate limit", "quota", "too many requests") {
		return KindRateLimited
	}

	if containsAny(errStr, "timeout", "timed out", "deadline exceeded") {
		return KindTimeout
	}

	if containsAny(errStr, "context length", "too many tokens", "max tokens", "token limit",
		"model not found", "404", "not found", "400", "bad request", "invalid request") {
		return KindInvalidRequest
	}

	return KindUnavailable
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
