package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// NetworkError is a transient failure: transport errors, timeouts, 5xx,
// 408, 429 and 401. Retrying later may succeed.
type NetworkError struct {
	Op         string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectionError means the server understood and refused the request
// (4xx other than the transient codes). Retrying will not help.
type RejectionError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error // sentinel, if one matches the status
}

func (e *RejectionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s rejected (%d %s): %s", e.Op, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s rejected (%d): %s", e.Op, e.StatusCode, msg)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Reason is the message to show the user
func (e *RejectionError) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

// IsTransient reports whether err should be retried with backoff
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRejection reports whether err is a permanent server refusal
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// isTransientStatus lists non-5xx statuses worth retrying. 401 is here
// because token refresh happens outside this client: a fresh token may
// arrive before the next attempt.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusUnauthorized:
		return true
	}
	return code >= 500
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func sentinelFor(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}
