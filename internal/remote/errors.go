package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nhle/qmail/internal/model"
)

var (
	// ErrNetworkUnavailable means the backend could not be reached at all.
	ErrNetworkUnavailable = errors.New("remote: network unavailable")

	// ErrResourceExhausted means the key pool cannot serve the request.
	ErrResourceExhausted = errors.New("remote: key resources exhausted")

	// ErrNotFound means the remote object does not exist.
	ErrNotFound = errors.New("remote: not found")
)

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Reason  string
	Message string

	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, msg)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests ||
		e.Code == http.StatusRequestTimeout ||
		e.Code >= 500
}

// Rejected reports whether the server refused the request outright.
func (e *StatusError) Rejected() bool {
	return e.Code >= 400 && e.Code < 500 && !e.Retryable()
}

// RetryAfter returns the server's requested delay, if any.
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrResourceExhausted:
		return e.Reason == "insufficient_keys" ||
			(e.Code == http.StatusConflict && e.Reason == "")
	}
	return false
}

// AuthError indicates that the bearer token was refused.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "auth error: " + e.Message
}

// Rejected is always true; a refused token is not retried.
func (e *AuthError) Rejected() bool { return true }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// RejectedError marks a request that was refused and will fail the same
// way if repeated.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string  { return e.Err.Error() }
func (e *RejectedError) Unwrap() error  { return e.Err }
func (e *RejectedError) Rejected() bool { return true }

// TransientError wraps failures that may clear up by themselves, such as
// timeouts or dropped connections.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Retryable() bool { return true }

// KindOf maps a remote error onto the error taxonomy.
func KindOf(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}

	var rejecter interface{ Rejected() bool }

	switch {
	case errors.Is(err, ErrNetworkUnavailable):
		return model.ErrorKindNetworkUnavailable
	case errors.Is(err, ErrResourceExhausted):
		return model.ErrorKindResourceExhausted
	case errors.Is(err, ErrNotFound), errors.As(err, &rejecter) && rejecter.Rejected():
		return model.ErrorKindRemoteRejected
	default:
		return model.ErrorKindRemoteTransient
	}
}

// IsRejected reports whether err is a refusal that will not change on retry.
func IsRejected(err error) bool {
	return KindOf(err) == model.ErrorKindRemoteRejected
}

// IsNetwork reports whether err means the backend was unreachable.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// transportError classifies an error returned by http.Client.Do.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Err: err}
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	if errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		(errors.As(err, &opErr) && opErr.Op == "dial") {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	return &TransientError{Err: err}
}
