// Package errors carries HTTP-aware application errors and a retry helper.
package errors

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// AppError is an error with the HTTP status it should be reported as.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString("code=")
	b.WriteString(strconv.Itoa(e.Code))
	b.WriteString(", message=")
	b.WriteString(e.Message)
	if e.Details != "" {
		b.WriteString(", details=")
		b.WriteString(e.Details)
	}
	return b.String()
}

func (e *AppError) Unwrap() error { return e.cause }

// Is compares code and message, so copies made by WithDetails or Wrap still
// match the sentinel they came from.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && e.Code == t.Code && e.Message == t.Message
}

var (
	ErrBadRequest     = New(http.StatusBadRequest, "Bad request")
	ErrUnauthorized   = New(http.StatusUnauthorized, "Unauthorized")
	ErrForbidden      = New(http.StatusForbidden, "Forbidden")
	ErrNotFound       = New(http.StatusNotFound, "Resource not found")
	ErrConflict       = New(http.StatusConflict, "Conflict")
	ErrInternalServer = New(http.StatusInternalServerError, "Internal server error")
	ErrUnavailable    = New(http.StatusServiceUnavailable, "Service unavailable")
)

func New(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithDetails returns a copy of err carrying details.
func WithDetails(err *AppError, details string) *AppError {
	c := *err
	c.Details = details
	return &c
}

// Wrap returns a copy of err caused by cause, whose message becomes the
// details.
func Wrap(err *AppError, cause error) *AppError {
	c := *err
	c.cause = cause
	c.Details = ""
	if cause != nil {
		c.Details = cause.Error()
	}
	return &c
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetStatusCode returns the status of the first AppError in err's chain,
// or 500.
func GetStatusCode(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	return appErr.Code
}
