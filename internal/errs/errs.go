// Package errs defines the closed set of failure kinds shared by every
// layer and transport. Lower-layer errors are mapped into a *Error exactly
// once, at the boundary that produced them; transports translate kinds to
// their own status codes and never invent new categories.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindConnection       Kind = "connection_error"
	KindAuth             Kind = "auth_error"
	KindTimeout          Kind = "timeout_error"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindProtocolRejected Kind = "protocol_rejected"
	KindAccount          Kind = "account_error"
	KindCache            Kind = "cache_error"
	KindInternal         Kind = "internal_error"
)

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match two *Error values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a classified error without a cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies a lower-layer error. A nil cause returns nil. An error
// that is already classified keeps its original kind: classification
// happens once, at the boundary that produced the failure.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		kind = classified.Kind
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of an error, or KindInternal for anything that
// escaped classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the failure is connection-level and therefore
// worth one transparent retry with a fresh connection. Protocol rejections
// are never retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout:
		return true
	}
	return false
}
