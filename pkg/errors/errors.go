package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Category groups result codes by the component family that produces them.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryDirectory Category = "directory"
	CategoryRouting   Category = "routing"
	CategoryTransport Category = "transport"
	CategoryInternal  Category = "internal"
)

// Code is a result code returned to consoles and peers.
type Code string

const (
	CodeSuccess Code = "success"

	// AuthError
	CodeVersionMismatch Code = "version_mismatch"
	CodeAccessDenied    Code = "access_denied"
	CodeTimeout         Code = "timeout"
	CodeMalformed       Code = "malformed"

	// DirectoryError
	CodeConflict      Code = "conflict"
	CodeNotFound      Code = "not_found"
	CodeAlreadyExists Code = "already_exists"
	CodeInvalidData   Code = "invalid_data"

	// RoutingError
	CodeHostUnavailable    Code = "host_unavailable"
	CodeNoRelayAvailable   Code = "no_relay_available"
	CodeSessionSetupFailed Code = "session_setup_failed"

	// TransportError; Timeout is shared with the auth family.
	CodeNetworkError  Code = "network_error"
	CodeProtocolError Code = "protocol_error"

	CodeInternal Code = "internal_error"
)

// Error is the single error type carried across component boundaries.
type Error struct {
	Category Category
	Code     Code
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s (caused by: %v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same category and code, so sentinel
// values work with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

func New(category Category, code Code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

func Wrap(err error, category Category, code Code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message, Cause: err}
}

func Auth(code Code, message string) *Error      { return New(CategoryAuth, code, message) }
func Directory(code Code, message string) *Error { return New(CategoryDirectory, code, message) }
func Routing(code Code, message string) *Error   { return New(CategoryRouting, code, message) }
func Transport(code Code, message string) *Error { return New(CategoryTransport, code, message) }

// Get extracts the first *Error from the chain.
func Get(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf maps an error to its result code. nil is Success; errors outside
// the taxonomy are reported as internal errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if e := Get(err); e != nil {
		return e.Code
	}
	return CodeInternal
}

// CategoryOf returns the category of err, or CategoryInternal.
func CategoryOf(err error) Category {
	if e := Get(err); e != nil {
		return e.Category
	}
	return CategoryInternal
}

// HasCode reports whether any *Error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// HTTPStatus maps a code onto the status used by the admin HTTP API.
func HTTPStatus(code Code) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidData, CodeMalformed, CodeVersionMismatch:
		return http.StatusBadRequest
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeAlreadyExists:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeHostUnavailable, CodeNoRelayAvailable:
		return http.StatusServiceUnavailable
	case CodeSessionSetupFailed, CodeNetworkError, CodeProtocolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
