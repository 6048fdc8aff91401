// Package apperror defines the error kinds shared by the ingest and ETA
// pipelines. The HTTP layer is the only place a Kind becomes a status code.
package apperror

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies an error for callers
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindConflict
	KindNotFound
	KindUpstream
	KindRateLimited
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindRateLimited:
		return "rate_limited"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code a Kind maps to
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Message is safe to show to API clients;
// Err carries the underlying cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err with a client-facing message
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation builds a validation error carrying every violated constraint
func Validation(details []string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "invalid GPS data: " + strings.Join(details, "; "),
		Details: details,
	}
}

// KindOf returns the Kind of the first *Error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the message suitable for an API response.
// Unclassified errors never leak their text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}
