package ceremony

import (
	"fmt"
	"time"
)

// ErrorKind is the machine-distinguishable classification every ceremony
// failure collapses into at this boundary.
type ErrorKind string

const (
	KindRateLimited        ErrorKind = "rate_limited"
	KindMisconfigured      ErrorKind = "misconfigured"
	KindNotSupported       ErrorKind = "not_supported"
	KindUserCancelled      ErrorKind = "user_cancelled"
	KindChallengeExpired   ErrorKind = "challenge_expired_or_invalid"
	KindVerificationFailed ErrorKind = "verification_failed"
	KindCacheCorrupt       ErrorKind = "cache_corrupt"
	KindCeremonyInFlight   ErrorKind = "ceremony_in_flight"
)

// Error is the single user-facing failure shape. Message is safe to render;
// RetryAfter is set only for KindRateLimited.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ceremony: %s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("ceremony: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether re-initiating the ceremony can reasonably
// succeed. NotSupported is permanent for the device; Misconfigured needs an
// operator.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNotSupported, KindMisconfigured:
		return false
	default:
		return true
	}
}

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}
