package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthenticated means no access credential is held; the request was never dispatched.
	ErrUnauthenticated = errors.New("unauthenticated: no access credential")
	// ErrSessionExpired means renewal failed or a renewed retry was rejected again.
	// Only a fresh login recovers from it.
	ErrSessionExpired = errors.New("session expired")
)

// StatusError is a non-2xx response surfaced by the typed endpoint helpers.
// Code and Message come from the backend's {code, message} error body when present.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func newStatusError(status int, body []byte) *StatusError {
	se := &StatusError{StatusCode: status}
	var eb struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &eb) == nil {
		se.Code, se.Message = eb.Code, eb.Message
	}
	return se
}

// Severity tells the UI how to present an error.
type Severity int

const (
	// SeverityNone is for nil errors and caller cancellations.
	SeverityNone Severity = iota
	// SeverityBanner errors render as an inline, dismissible banner.
	SeverityBanner
	// SeveritySessionEnded errors need a blocking notice and a trip back to login.
	SeveritySessionEnded
)

// String returns a human-readable name for the severity.
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityBanner:
		return "banner"
	case SeveritySessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

// Classify maps an error from any layer onto its presentation.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return SeverityNone
	case errors.Is(err, context.Canceled):
		return SeverityNone
	case errors.Is(err, ErrSessionExpired):
		return SeveritySessionEnded
	default:
		return SeverityBanner
	}
}
