// Package fleeterr defines the error taxonomy shared by the provisioning
// service, the remote dispatch client and the HTTP layer.
package fleeterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for API mapping and caller decisions.
type Kind string

const (
	// KindValidation marks a malformed range or spec, rejected before a job
	// is created.
	KindValidation Kind = "validation"
	// KindNotFound marks an absent job, server or package.
	KindNotFound Kind = "not_found"
	// KindUnauthorized marks a remote dispatch auth failure (401).
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden marks a remote dispatch auth failure (403).
	KindForbidden Kind = "forbidden"
	// KindSchemaValidation marks a structured validation-error body from a
	// remote instance, carrying its field-level messages.
	KindSchemaValidation Kind = "schema_validation"
	// KindExecutionFailure marks a binding/process-level failure. These are
	// retained per item and aggregated into job counts, never thrown up the
	// stack.
	KindExecutionFailure Kind = "execution_failure"
	// KindTransportFailure marks an unreachable remote instance.
	KindTransportFailure Kind = "transport_failure"
	// KindUnknown marks anything unclassified from a remote error body.
	KindUnknown Kind = "unknown"
)

// FieldError is one field-level message from a remote validation body.
type FieldError struct {
	Location string `json:"location,omitempty"`
	Message  string `json:"message"`
}

// Error is a classified fleet error.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// KindOf extracts the Kind of err, or KindUnknown when the error carries no
// classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
