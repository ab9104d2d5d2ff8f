// Package apperr defines the error kinds surfaced to callers of the
// knowledge-base core. Every failure that crosses a package boundary carries
// one of these kinds so the transport layers can map it to a stable tag.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, client-visible error category.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindUpstreamFetch    Kind = "upstream_fetch"
	KindModelUnavailable Kind = "model_unavailable"
	KindTemplate         Kind = "template"
	KindValidation       Kind = "validation"
	KindInternal         Kind = "internal"
)

// Error is an application error with a kind tag.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, nil, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, nil, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, nil, format, args...)
}

func Template(format string, args ...any) *Error {
	return newf(KindTemplate, nil, format, args...)
}

// UpstreamFetch wraps a failure to retrieve remote source content.
func UpstreamFetch(cause error, format string, args ...any) *Error {
	return newf(KindUpstreamFetch, cause, format, args...)
}

// ModelUnavailable wraps a failed or timed-out generation call.
func ModelUnavailable(cause error, format string, args ...any) *Error {
	return newf(KindModelUnavailable, cause, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the response status used by the HTTP API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindTemplate:
		return http.StatusUnprocessableEntity
	case KindUpstreamFetch:
		return http.StatusBadGateway
	case KindModelUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client. Internal errors
// never leak their details.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Error()
	}
	return "internal server error"
}
