package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"
)

// TransientFetchError is a failed attempt that may succeed if tried again.
type TransientFetchError struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a failed attempt that will fail again.
type PermanentFetchError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *PermanentFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// ErrStatus is wrapped by the errors built by FromStatus.
var ErrStatus = errors.New("unexpected http status")

// Transient wraps err as a transient network failure.
func Transient(err error) error {
	return &TransientFetchError{Kind: TransientNetwork, Err: err}
}

// Permanent wraps err as a permanent failure of the given kind, ie. a malformed address is a ClientError.
func Permanent(kind Kind, err error) error {
	return &PermanentFetchError{Kind: kind, Err: err}
}

// FromStatus maps a non 2xx HTTP status to a fetch error. It returns nil for 2xx statuses. The Retry-After header of
// 429 replies becomes the retry hint.
func FromStatus(status int, header http.Header) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("%w %d", ErrStatus, status)
	switch {
	case status == http.StatusTooManyRequests:
		var hint time.Duration
		if header != nil {
			hint = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		}
		return &TransientFetchError{Kind: RateLimited, Status: status, RetryAfter: hint, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &PermanentFetchError{Kind: AuthError, Status: status, Err: err}
	case status == http.StatusRequestTimeout:
		return &TransientFetchError{Kind: TransientNetwork, Status: status, Err: err}
	case status >= 500:
		return &TransientFetchError{Kind: ServerError, Status: status, Err: err}
	default:
		return &PermanentFetchError{Kind: ClientError, Status: status, Err: err}
	}
}

// ParseRetryAfter parses a Retry-After value given in seconds or as an HTTP date. It returns 0 if v is empty or
// invalid.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Classify returns the failure kind of err and the provider wait hint if any. Errors that carry no kind are treated
// as transient network failures when they come from the transport, and as client errors otherwise.
func Classify(err error) (Kind, time.Duration) {
	if err == nil {
		return None, 0
	}
	var te *TransientFetchError
	if errors.As(err, &te) {
		return te.Kind, te.RetryAfter
	}
	var pe *PermanentFetchError
	if errors.As(err, &pe) {
		return pe.Kind, 0
	}
	if isNetwork(err) {
		return TransientNetwork, 0
	}
	return ClientError, 0
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var te *TransientFetchError
	if errors.As(err, &te) {
		return te.Status
	}
	var pe *PermanentFetchError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
