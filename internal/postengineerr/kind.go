// Package postengineerr defines the typed error-kind taxonomy used across
// every component instead of exception-style control flow (spec §7).
package postengineerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for recovery purposes. The pipeline switches on
// Kind rather than inspecting error strings or types.
type Kind int

const (
	// KindTransient covers network errors, 5xx, and explicit retryable
	// signals. Retried with bounded exponential backoff.
	KindTransient Kind = iota
	// KindRateLimited is a Transient error that additionally carries a
	// RetryAfter hint from the driver.
	KindRateLimited
	// KindQuota means a bucket is exhausted; non-retryable for the current
	// job, handled by deferral or parking, never by retrying inline.
	KindQuota
	// KindValidation means the response validator rejected content; the
	// post is terminally failed, never retried.
	KindValidation
	// KindConfiguration covers missing template variables, invalid tenant
	// settings; terminal for the job, logged at error.
	KindConfiguration
	// KindFatal aborts engine start: repository unreachable, misconfigured
	// required driver.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindQuota:
		return "quota"
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindError wraps an underlying error with a recovery Kind and the
// component that raised it.
type KindError struct {
	Kind       Kind
	Component  string
	RetryAfter time.Duration // only meaningful for KindRateLimited
	Err        error
}

func (e *KindError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s): %v", e.Component, e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// New wraps err with a Kind and the raising component.
func New(kind Kind, component string, err error) *KindError {
	return &KindError{Kind: kind, Component: component, Err: err}
}

// RateLimited wraps err as a rate-limited Transient error carrying a
// driver-signaled retry-after hint.
func RateLimited(component string, retryAfter time.Duration, err error) *KindError {
	return &KindError{Kind: KindRateLimited, Component: component, RetryAfter: retryAfter, Err: err}
}

// As extracts a *KindError from err, if present.
func As(err error) (*KindError, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *KindError, and
// KindTransient otherwise — unrecognized errors are treated conservatively
// as retryable rather than silently swallowed.
func KindOf(err error) Kind {
	if ke, ok := As(err); ok {
		return ke.Kind
	}
	return KindTransient
}
