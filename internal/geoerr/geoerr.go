// Package geoerr defines the error kinds shared across the generation orchestrator.
package geoerr

import "errors"

// Kind classifies an error for propagation and HTTP-status mapping purposes.
type Kind int

const (
	// KindInvalidInput marks input rejected at ingress; surfaced as 4xx.
	KindInvalidInput Kind = iota
	// KindStageTransient marks a timeout, 5xx, or malformed response retried inside an adapter.
	KindStageTransient
	// KindStageFatal marks retries exhausted; caller decides fallback vs abort.
	KindStageFatal
	// KindSanityFailure marks output that failed validation.
	KindSanityFailure
	// KindIOFailure marks disk write/read errors.
	KindIOFailure
	// KindCancelled marks cooperative cancellation, not a true error.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindStageTransient:
		return "stage_transient"
	case KindStageFatal:
		return "stage_fatal"
	case KindSanityFailure:
		return "sanity_failure"
	case KindIOFailure:
		return "io_failure"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch with errors.As.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return e.Kind.String() + " (" + e.Stage + "): " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed error for the given kind.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	return Is(err, KindCancelled)
}
