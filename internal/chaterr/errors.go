// Package chaterr defines the closed set of failures surfaced to callers of
// the chat core.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a member of the error taxonomy.
type Kind int

const (
	KindNotConnected Kind = iota + 1
	KindUnauthorized
	KindRateLimited
	KindNetwork
	KindServer
	KindDecoding
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not_connected"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network_error"
	case KindServer:
		return "server_error"
	case KindDecoding:
		return "decoding_error"
	case KindInvalidRequest:
		return "invalid_request"
	}
	return "unknown"
}

// Error is the single error type crossing the orchestrator boundary.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	RetryAfter *time.Duration
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrNotConnected   = &Error{Kind: KindNotConnected}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrServer         = &Error{Kind: KindServer}
	ErrDecoding       = &Error{Kind: KindDecoding}
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}
)

func NotConnected() *Error {
	return &Error{Kind: KindNotConnected, Message: "backend is not reachable"}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, StatusCode: http.StatusUnauthorized, Message: msg}
}

// RateLimited carries the server supplied retry hint when one was sent.
func RateLimited(retryAfter *time.Duration) *Error {
	return &Error{Kind: KindRateLimited, StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter}
}

func Network(cause error) *Error {
	return &Error{Kind: KindNetwork, Cause: cause}
}

func Server(status int, msg string) *Error {
	return &Error{Kind: KindServer, StatusCode: status, Message: msg}
}

func Decoding(cause error) *Error {
	return &Error{Kind: KindDecoding, Cause: cause}
}

func InvalidRequest(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg}
}

// FromStatus maps an HTTP status from the backend onto the taxonomy.
func FromStatus(status int, msg string, retryAfter *time.Duration) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e := Unauthorized(msg)
		e.StatusCode = status
		return e
	case status == http.StatusTooManyRequests:
		e := RateLimited(retryAfter)
		e.Message = msg
		return e
	case status >= 500:
		return Server(status, msg)
	case status >= 400:
		e := InvalidRequest(msg)
		e.StatusCode = status
		return e
	}
	return Server(status, msg)
}

// As extracts the taxonomy error from err. Unclassified errors become NetworkError.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Network(err)
}

// KindOf returns the taxonomy kind of err, or 0 for nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	return As(err).Kind
}

// UserMessage renders the text used for error-role messages in a conversation.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNotConnected:
		return "Not connected to the server. Check your connection and try again."
	case KindUnauthorized:
		return "Authentication failed. Check your API key."
	case KindRateLimited:
		if e.RetryAfter != nil {
			return fmt.Sprintf("Rate limited. Try again in %s.", e.RetryAfter.Round(time.Second))
		}
		return "Rate limited. Try again shortly."
	case KindNetwork:
		if e.Cause != nil {
			return "Network error: " + e.Cause.Error()
		}
		return "Network error."
	case KindServer:
		if e.Message != "" {
			return fmt.Sprintf("Server error (%d): %s", e.StatusCode, e.Message)
		}
		return fmt.Sprintf("Server error (%d).", e.StatusCode)
	case KindDecoding:
		return "Received a response that could not be read."
	case KindInvalidRequest:
		return "Invalid request: " + e.Message
	}
	return e.Error()
}
