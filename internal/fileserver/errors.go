package fileserver

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDecode             = errors.New("malformed request")
	ErrMethodNotSupported = errors.New("method not supported")
	ErrNotFound           = errors.New("resource not found")
	ErrForbidden          = errors.New("resource forbidden")
	ErrRedirectRequired   = errors.New("directory requires trailing slash")
	ErrStreamOpen         = errors.New("file could not be opened for streaming")
	ErrUnhandled          = errors.New("unhandled failure")
)

// StatusError ties a failure to the HTTP status it is answered with.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.Code, http.StatusText(e.Code), e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// statusFor maps an error from the taxonomy to its response status. Anything
// not recognised is a 500.
func statusFor(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, ErrMethodNotSupported):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStreamOpen):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRedirectRequired):
		return http.StatusFound
	default:
		return http.StatusInternalServerError
	}
}
