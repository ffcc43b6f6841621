// Package xerrors classifies errors crossing component boundaries: a typed
// Kind plus a human message and an optional wrapped chain. Only the CLI
// renders them for a human, and JSON mode emits the kind, message and
// wrapped chain.
package xerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error into one of the six taxonomy buckets.
type Kind int

const (
	// KindUser covers bad syntax, unknown package/media, held-would-be-removed.
	KindUser Kind = iota
	// KindEnvironment covers network failure, mirror unavailable, disk full,
	// permission denied.
	KindEnvironment
	// KindMetadataCorrupt covers magic mismatch, truncated stream, hash mismatch.
	KindMetadataCorrupt
	// KindResolver covers unsatisfiable, conflicting, ambiguous-choice.
	KindResolver
	// KindTransaction covers RPM handoff failure.
	KindTransaction
	// KindInternal covers programming invariant violations.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindEnvironment:
		return "environment"
	case KindMetadataCorrupt:
		return "metadata-corrupt"
	case KindResolver:
		return "resolver"
	case KindTransaction:
		return "transaction"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ExitCode maps a Kind to its CLI exit code. Callers
// with a more specific exit code (download failure = 2, RPM handoff = 3)
// should set it explicitly via WithExitCode.
func (k Kind) ExitCode() int {
	switch k {
	case KindUser:
		return 4
	case KindResolver:
		return 1
	case KindTransaction:
		return 3
	case KindEnvironment:
		return 2
	default:
		return 1
	}
}

// Error is a typed, chainable error carrying a machine-readable Kind.
type Error struct {
	Kind     Kind
	Message  string
	exitCode int
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.cause.Error())
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// ExitCode returns the exit code to use for this error, defaulting to the
// Kind's standard code.
func (e *Error) ExitCode() int {
	if e.exitCode != 0 {
		return e.exitCode
	}
	return e.Kind.ExitCode()
}

// New creates a new Error of the given kind with a formatted message and a
// stack-trace-carrying cause (via pkg/errors), or no cause.
func New(kind Kind, cause error, format string, a ...interface{}) *Error {
	msg := fmt.Sprintf(format, a...)
	var wrapped error
	if cause != nil {
		wrapped = errors.WithMessage(cause, msg)
	}
	return &Error{Kind: kind, Message: msg, cause: wrapped}
}

// WithExitCode overrides the default exit code for this Kind (used for
// download failures, which exit 2).
func (e *Error) WithExitCode(code int) *Error {
	e.exitCode = code
	return e
}

// User, Environment, MetadataCorrupt, Resolver, Transaction, Internal are
// constructors for the six taxonomy kinds.
func User(format string, a ...interface{}) *Error {
	return New(KindUser, nil, format, a...)
}

func Environment(cause error, format string, a ...interface{}) *Error {
	return New(KindEnvironment, cause, format, a...)
}

// MetadataCorrupt reports a corrupt metadata stream for the given media, at
// the given byte offset; the media stays at its previous state.
func MetadataCorrupt(media string, offset int64, cause error) *Error {
	return New(KindMetadataCorrupt, cause, "metadata-corrupt(%s, offset=%d)", media, offset)
}

func Resolver(format string, a ...interface{}) *Error {
	return New(KindResolver, nil, format, a...)
}

func Transaction(cause error, format string, a ...interface{}) *Error {
	return New(KindTransaction, cause, format, a...)
}

func Internal(cause error, format string, a ...interface{}) *Error {
	return New(KindInternal, cause, format, a...)
}
