package coordinator

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes failures at the coordinator boundary
type ErrorKind int

const (
	KindInternal        ErrorKind = iota // store or engine failure; retry may succeed
	KindInvalidArgument                  // malformed request
	KindConflict                         // key already suspended, or callback in flight
	KindNotFound                         // no live suspension for the key
	KindAuthentication                   // missing or wrong credentials
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindAuthentication:
		return "authentication"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to its response status
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps a failure with the operation and key it happened on
type Error struct {
	Kind           ErrorKind
	Operation      string // "register", "resolve", "cancel", ...
	CorrelationKey string
	Message        string
	Err            error
}

// Error implements error interface
func (e *Error) Error() string {
	prefix := e.Operation
	if e.CorrelationKey != "" {
		prefix = fmt.Sprintf("%s %s", e.Operation, e.CorrelationKey)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap implements error unwrapping
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to its response status
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// Retryable reports whether the caller may retry the same request.
// Only internal failures qualify; the others need a different request.
func (e *Error) Retryable() bool {
	return e.Kind == KindInternal
}

func newError(kind ErrorKind, op, key, message string, err error) *Error {
	return &Error{
		Kind:           kind,
		Operation:      op,
		CorrelationKey: key,
		Message:        message,
		Err:            err,
	}
}

// KindOf returns the kind of a coordinator error, KindInternal otherwise
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err means no live suspension exists
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsConflict reports whether err is a conflict
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}
