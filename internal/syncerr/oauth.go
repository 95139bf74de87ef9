package syncerr

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
)

// FromOAuth classifies an error returned by an oauth2 token endpoint call.
// Revoked or invalid grants are AuthExpired; network failures are Transient.
func FromOAuth(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		if errors.Is(err, context.Canceled) {
			return New(KindPermanent, op, err)
		}
		return New(KindTransient, op, err)
	}

	switch rerr.ErrorCode {
	case "invalid_grant", "invalid_token", "unauthorized_client", "invalid_client":
		return &Error{Kind: KindAuthExpired, Op: op, Err: err, Status: statusOf(rerr)}
	}

	status := statusOf(rerr)
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Op: op, Err: err, Status: status}
	case status >= 500:
		return &Error{Kind: KindTransient, Op: op, Err: err, Status: status}
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return &Error{Kind: KindAuthExpired, Op: op, Err: err, Status: status}
	default:
		return &Error{Kind: KindPermanent, Op: op, Err: err, Status: status}
	}
}

func statusOf(rerr *oauth2.RetrieveError) int {
	if rerr.Response == nil {
		return 0
	}
	return rerr.Response.StatusCode
}
