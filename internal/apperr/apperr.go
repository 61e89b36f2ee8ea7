// Package apperr defines the error kinds the API reports to clients.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindBadRequest  Kind = "bad_request"
	KindTooLarge    Kind = "payload_too_large"
	KindDecode      Kind = "decode_error"
	KindInference   Kind = "inference_error"
	KindUnavailable Kind = "unavailable"
	KindPackaging   Kind = "packaging_error"
	KindInternal    Kind = "internal_error"
)

// Error carries a kind, a client-safe message and the underlying cause.
// Only Message is ever sent to the client.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindBadRequest, KindDecode:
		return http.StatusBadRequest
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindInference:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// From returns err as an *Error, wrapping unknown errors as KindInternal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(KindInternal, "internal server error", err)
}
