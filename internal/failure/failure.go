// Package failure classifies errors crossing service boundaries so that
// handlers can pick a status code and callers can decide whether a retry
// makes sense.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindProcessing covers model and storage failures mid-pipeline.
	KindProcessing Kind = iota
	// KindTransport means the peer could not be reached.
	KindTransport
	// KindAuthorization means a bad credential or an unrecognized identity.
	KindAuthorization
	// KindForbidden is an authorization failure for a recognized identity.
	KindForbidden
	// KindValidation means a missing field or an out-of-range value.
	KindValidation
	// KindNotFound means the addressed record does not exist.
	KindNotFound
	// KindConflict means the record already exists.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuthorization:
		return "authorization"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "processing"
	}
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Transport marks err as a transport failure.
func Transport(message string, err error) error { return Wrap(KindTransport, message, err) }

// Unauthorized builds an authorization failure.
func Unauthorized(message string) error { return New(KindAuthorization, message) }

// Forbidden builds a forbidden failure.
func Forbidden(message string) error { return New(KindForbidden, message) }

// Invalid builds a validation failure.
func Invalid(message string) error { return New(KindValidation, message) }

// NotFound builds a not-found failure.
func NotFound(message string) error { return New(KindNotFound, message) }

// Conflict builds a conflict failure.
func Conflict(message string) error { return New(KindConflict, message) }

// KindOf returns the kind of the outermost classified error in the chain.
// Unclassified errors are processing failures.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindProcessing
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-facing message of the outermost classified error.
func Message(err error) string {
	var classified *Error
	if errors.As(err, &classified) && classified.Message != "" {
		return classified.Message
	}
	return "Request could not be processed."
}

// HTTPStatus maps err to the status code a handler should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindTransport:
		return http.StatusBadGateway
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether err is worth retrying: deadlines, timeouts and
// errors that declare themselves temporary.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
