// Package apperr classifies pipeline failures so that each task handler can
// map any error to exactly one terminal action: proceed, retry, degrade, or
// mark the record as failed.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// Unknown is the zero value for errors this package never classified.
	Unknown Kind = iota
	// Validation: caller input malformed. Fatal to the single request, no retry.
	Validation
	// Authentication: caller identity missing or invalid.
	Authentication
	// NotFound: a referenced entity (record, AI context) is absent.
	NotFound
	// UpstreamTransient: AI backend deadline or unavailability. Retryable
	// within the adapter's bounded-retry envelope, then surfaced.
	UpstreamTransient
	// UpstreamValidation: the AI backend rejected the generated content.
	// Retried, then degraded to a placeholder result.
	UpstreamValidation
	// Decode: a response could not be coerced to structured form even after
	// the full repair cascade. Fatal only for metadata extraction.
	Decode
	// Infrastructure: record store, queue, or blob store failure. Fatal to
	// the current stage; the pipeline record is moved to the error status.
	Infrastructure
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authentication:
		return "authentication"
	case NotFound:
		return "not_found"
	case UpstreamTransient:
		return "upstream_transient"
	case UpstreamValidation:
		return "upstream_validation"
	case Decode:
		return "decode"
	case Infrastructure:
		return "infrastructure"
	}
	return "unknown"
}

// Error carries a Kind, the operation that failed, and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with fmt-style message construction.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or Unknown if none is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
