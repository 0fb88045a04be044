package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies upstream failures for callers choosing a response.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidDomain
	KindAuthFailed
	KindRateLimited
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidDomain:
		return "invalid_domain"
	case KindAuthFailed:
		return "auth_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is returned for every failed upstream call.
type Error struct {
	Kind ErrorKind
	Op   string

	// Status is the upstream HTTP status, 0 when no response arrived.
	Status int

	// Message is the upstream's own error message, if it sent one. It is
	// informational and never used for classification.
	Message string

	// RetryAfter is the upstream's Retry-After hint on a 429, 0 when absent.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("upstream %s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("upstream %s: %s (status %d)", e.Op, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("upstream %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("upstream %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an upstream error anywhere in err's chain, or
// KindUnknown.
func KindOf(err error) ErrorKind {
	var upErr *Error
	if errors.As(err, &upErr) {
		return upErr.Kind
	}
	return KindUnknown
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return KindInvalidDomain
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthFailed
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUnknown
	}
}

func kindForTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// parseRetryAfter reads a Retry-After value given as delay-seconds or an
// HTTP date. Unparseable or past values yield 0.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
