// Package errs classifies failures so the HTTP layer and the daily batch can
// decide between 4xx, 5xx and "record and continue".
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Kind is the failure class of an error.
type Kind string

const (
	KindInput             Kind = "input"
	KindInsufficientData  Kind = "insufficient_data"
	KindNotFound          Kind = "not_found"
	KindUpstream          Kind = "upstream_unavailable"
	KindModelInconsistent Kind = "model_inconsistent"
	KindInternal          Kind = "internal"
)

// Error carries a kind, a short user-facing message and optional details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Input reports a caller mistake (bad argument, missing day).
func Input(format string, args ...interface{}) error {
	return &Error{Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InsufficientData reports that fewer than need samples were available.
func InsufficientData(what string, have, need int) error {
	return &Error{
		Kind:    KindInsufficientData,
		Message: fmt.Sprintf("insufficient data for %s: have %d samples, need at least %d", what, have, need),
		Details: map[string]interface{}{"available": have, "required": need},
	}
}

// Upstream wraps a failure of a source DB, an external service or SMTP.
func Upstream(service string, err error) error {
	return &Error{Kind: KindUpstream, Message: service + " unavailable", Err: err}
}

// ModelInconsistent reports that no active model matched any candidate name.
func ModelInconsistent(tried []string) error {
	return &Error{
		Kind:    KindModelInconsistent,
		Message: "no active model found; tried " + strings.Join(tried, ", "),
		Details: map[string]interface{}{"tried_model_names": tried},
	}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailsOf returns the details of the first *Error in the chain.
func DetailsOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInput:
		return fiber.StatusBadRequest
	case KindInsufficientData:
		return fiber.StatusUnprocessableEntity
	case KindNotFound, KindModelInconsistent:
		return fiber.StatusNotFound
	case KindUpstream:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return e.Message
		}
		return e.Error()
	}
	return "internal error"
}
