package deyeapi

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// FailureKind classifies an API call outcome for the caller's retry
// policy.  The client itself never retries anything except a single
// re-authentication (see live.go).
type FailureKind int

const (
	// FailureAuth - credentials rejected, or a token refresh was
	// exhausted.  Account-wide: aborts a whole poll cycle.
	FailureAuth FailureKind = iota

	// FailureRateLimited - the service asked us to back off.  RetryAfter
	// carries the suggested delay when the response included one.
	FailureRateLimited

	// FailureTransient - network error, timeout or 5xx.  Safe to retry.
	FailureTransient

	// FailureProtocol - the response decoded to something we do not
	// recognise.  Never retried, logged for diagnosis.
	FailureProtocol

	// FailureInvalidValue - a command value failed local validation and
	// never reached the network.
	FailureInvalidValue
)

var failureNames = []string{
	"AuthFailure",
	"RateLimited",
	"TransientFailure",
	"ProtocolFailure",
	"InvalidValue",
}

func (k FailureKind) String() string {
	if int(k) >= len(failureNames) {
		return fmt.Sprintf("unknown (kind: %d)", k)
	}

	return failureNames[k]
}

// Error is the typed failure returned by every client method.
type Error struct {
	Kind       FailureKind
	Op         string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind FailureKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, cause: cause}
}

// KindOf extracts the failure classification from an error returned by
// this package.  Errors from elsewhere (eg. a cancelled context) report
// FailureTransient, which keeps the caller's retry policy sane.
func KindOf(err error) FailureKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	return FailureTransient
}

// SuggestedBackoff returns the server-suggested retry delay, or zero
// when the error carries none.
func SuggestedBackoff(err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}

	return 0
}
