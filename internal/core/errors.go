package core

import (
	"context"
	"errors"

	"github.com/dohr-michael/pilot/internal/models"
	"github.com/dohr-michael/pilot/internal/tasks"
)

// ErrorClass groups errors by how a surface should report them.
type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassValidation
	ClassNotFound
	ClassConflict
	ClassUpstreamInvalid
	ClassUpstreamUnavailable
	ClassDeadline
	ClassCanceled
)

// Classify maps an error returned by Service to its class.
func Classify(err error) ErrorClass {
	var ve *tasks.ValidationError
	switch {
	case err == nil:
		return ClassInternal
	case errors.As(err, &ve):
		return ClassValidation
	case errors.Is(err, tasks.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, tasks.ErrConflict):
		return ClassConflict
	case errors.Is(err, context.DeadlineExceeded):
		return ClassDeadline
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, models.ErrUpstreamInvalidResponse):
		return ClassUpstreamInvalid
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return ClassUpstreamUnavailable
	default:
		return ClassInternal
	}
}

// SafeMessage returns a message that can be shown to callers. Internal
// failures are reduced to a generic text; their detail belongs in logs.
func SafeMessage(err error) string {
	switch Classify(err) {
	case ClassDeadline:
		return "request timed out"
	case ClassCanceled:
		return "request cancelled"
	case ClassInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
