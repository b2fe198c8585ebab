package registrar

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the normalized failure taxonomy for registrar calls.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindTooLarge    Kind = "too_large"
	KindConflict    Kind = "conflict"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindAuth        Kind = "auth"
	KindUnknown     Kind = "unknown"
)

// Error wraps a failed registrar call. StatusCode is zero for transport
// failures.
type Error struct {
	Op         string
	DOI        string
	StatusCode int
	Kind       Kind
	Body       string
	Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("registrar %s %s [%s]", e.Op, e.DOI, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Underlying != nil {
		msg += ": " + e.Underlying.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Underlying }

// Retryable reports whether repeating the same call may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUnavailable, KindUnknown:
		return true
	}
	return false
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusRequestEntityTooLarge:
		return KindTooLarge
	case code == http.StatusConflict, code == http.StatusPreconditionFailed, code == http.StatusUnprocessableEntity:
		return KindConflict
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuth
	case code >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

func kindOf(err error) (Kind, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind, true
	}
	return "", false
}

// IsTooLarge reports whether err is a payload-too-large rejection.
func IsTooLarge(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTooLarge
}

// IsConflict reports whether the registrar refused the call because of the
// identifier's current state.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsRetryable reports whether err is worth another attempt. Errors that did
// not come from the registrar client are treated as transient.
func IsRetryable(err error) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Retryable()
	}
	return true
}
