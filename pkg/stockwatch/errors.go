package stockwatch

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for errors.Is. Every error returned by Client matches
// exactly one of them.
var (
	// ErrTransport covers network failures, timeouts, and undecodable bodies.
	ErrTransport = errors.New("stockwatch: transport failure")
	// ErrRateLimited is a 429 from the backend.
	ErrRateLimited = errors.New("stockwatch: rate limited")
	// ErrRejected is any other non-success status.
	ErrRejected = errors.New("stockwatch: rejected")
	// ErrConflict is a mutation the backend state contradicts: adding a symbol
	// that is already present, or removing one that is already gone.
	ErrConflict = errors.New("stockwatch: conflict")
	// ErrUnauthenticated means no credential was available; no request was sent.
	ErrUnauthenticated = errors.New("stockwatch: not authenticated")
)

// TransportError wraps a failure below the HTTP status level.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// RateLimitError is returned for 429 responses. RetryAfter is zero when the
// server sent no usable hint.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Op)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// APIError is a non-success, non-429 response.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Conflict   bool
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *APIError) Is(target error) bool {
	if e.Conflict {
		return target == ErrConflict
	}
	return target == ErrRejected
}

// RetryAfterOf extracts the retry hint from a rate-limit error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
