// Package syncerr classifies failures of the calendar sync engine.
//
// Every error that crosses a component boundary (ingestion, vault, token
// refresh) is wrapped in an *Error carrying a Kind. The orchestrator uses the
// Kind to decide whether a pass is retryable and what to surface to the user.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindAuthExpired     Kind = "auth_expired"
	KindRateLimited     Kind = "rate_limited"
	KindTransient       Kind = "transient_network"
	KindMalformedRecord Kind = "malformed_record"
	KindMalformedFeed   Kind = "malformed_feed"
	KindEncryption      Kind = "encryption_failure"
	KindPermanent       Kind = "permanent"
	KindNotConnected    Kind = "not_connected"
	KindSyncInProgress  Kind = "sync_in_progress"
	KindUnknown         Kind = "unknown"
)

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// RetryAfter is the upstream's requested delay, zero when not given.
	RetryAfter time.Duration
	// Status is the HTTP status that produced the error, when there was one.
	Status int
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a later attempt could succeed without user action.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	}
	return false
}

// FromStatus classifies an HTTP status code. 2xx/3xx return nil.
func FromStatus(op string, status int, body string) *Error {
	switch {
	case status < 400:
		return nil
	case status == 429:
		return &Error{Kind: KindRateLimited, Op: op, Status: status, Err: fmt.Errorf("status %d: %s", status, body)}
	case status >= 500:
		return &Error{Kind: KindTransient, Op: op, Status: status, Err: fmt.Errorf("status %d: %s", status, body)}
	case status == 401:
		return &Error{Kind: KindAuthExpired, Op: op, Status: status, Err: fmt.Errorf("status %d: %s", status, body)}
	default:
		return &Error{Kind: KindPermanent, Op: op, Status: status, Err: fmt.Errorf("status %d: %s", status, body)}
	}
}
