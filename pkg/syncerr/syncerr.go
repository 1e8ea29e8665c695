// Package syncerr classifies sync pipeline failures so the orchestrator can
// decide between retrying, refreshing credentials, and failing the job.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lib/pq"
)

type Kind string

const (
	// Missing app credentials or unreadable stored secrets. Not retried.
	KindConfiguration Kind = "configuration"
	// Expired or revoked tokens. Recovered only by a token refresh.
	KindAuthentication Kind = "authentication"
	// Timeouts, connection failures and 5xx responses. Retried with backoff.
	KindNetwork Kind = "network"
	// 429 responses. Retried with backoff, honoring Retry-After.
	KindRateLimit Kind = "rate_limit"
	// Malformed payloads or values.
	KindData Kind = "data"
	// Constraint violations. These indicate a bug in the write path.
	KindIntegrity Kind = "integrity"
	KindInternal  Kind = "internal"
)

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	// Set from the Retry-After header on rate limited responses
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(op string, status int, detail string) *Error {
	e := &Error{Op: op, StatusCode: status}
	if detail != "" {
		e.Err = errors.New(detail)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		e.Kind = KindNetwork
	case status >= http.StatusBadRequest:
		e.Kind = KindData
	default:
		e.Kind = KindInternal
	}
	return e
}

// Classify returns the Kind of err. Unclassified errors are inspected for
// timeouts, network failures and constraint violations before falling back
// to KindInternal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return KindIntegrity
	}

	return KindInternal
}

// Retryable reports whether err may succeed if the same request is repeated.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindRateLimit:
		return true
	}
	return false
}

// RetryAfter returns the server requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
