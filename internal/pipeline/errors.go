package pipeline

import (
	"errors"
	"fmt"

	"github.com/fmueller/voxserve/internal/convert"
	"github.com/fmueller/voxserve/internal/dispatch"
)

// Kind distinguishes client faults from server faults from transient
// timeouts, so the HTTP layer can map failures without string matching.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConversionUnavailable
	KindConversionFailed
	KindConversionTimeout
	KindInferenceFailed
	KindInferenceTimeout
	KindResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConversionUnavailable:
		return "conversion_unavailable"
	case KindConversionFailed:
		return "conversion_failed"
	case KindConversionTimeout:
		return "conversion_timeout"
	case KindInferenceFailed:
		return "inference_failed"
	case KindInferenceTimeout:
		return "inference_timeout"
	case KindResourceExhausted:
		return "resource_exhausted"
	default:
		return "internal"
	}
}

// Error is a stage-aware pipeline failure.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// classify maps stage-local sentinel errors to the taxonomy.
func classify(stage string, err error) *Error {
	kind := KindInternal
	switch {
	case errors.Is(err, convert.ErrConversionUnavailable):
		kind = KindConversionUnavailable
	case errors.Is(err, convert.ErrConversionTimeout):
		kind = KindConversionTimeout
	case errors.Is(err, convert.ErrConversionFailed):
		kind = KindConversionFailed
	case errors.Is(err, dispatch.ErrQueueFull):
		kind = KindResourceExhausted
	case errors.Is(err, dispatch.ErrInferenceTimeout):
		kind = KindInferenceTimeout
	case errors.Is(err, dispatch.ErrInferenceFailed), errors.Is(err, dispatch.ErrClosed):
		kind = KindInferenceFailed
	}

	return &Error{Kind: kind, Stage: stage, Err: err}
}

// NewValidationError marks a client-fault input problem.
func NewValidationError(err error) *Error {
	return &Error{Kind: KindValidation, Err: err}
}
