package csnet

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when the service rejects our credentials or the
	// login flow could not be completed.
	ErrAuth = errors.New("csnet authentication failed")

	// ErrTokenExtraction is returned when a page did not contain the
	// anti-forgery token. It also matches ErrAuth.
	ErrTokenExtraction = fmt.Errorf("%w: anti-forgery token not found", ErrAuth)

	// ErrTransport covers network failures, timeouts and unexpected HTTP
	// statuses.
	ErrTransport = errors.New("csnet transport error")

	// ErrMalformedResponse is returned when a body did not have the
	// expected shape.
	ErrMalformedResponse = errors.New("csnet malformed response")

	// ErrCommandRejected is returned when the service answered a command
	// with a non-success business status.
	ErrCommandRejected = errors.New("csnet command rejected")

	// ErrSessionExpired is returned when the session was still reported as
	// expired after re-authenticating.
	ErrSessionExpired = errors.New("csnet session expired")
)

// retryable reports whether a failed fetch attempt should be retried with a
// fresh session.
func retryable(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrSessionExpired)
}
