package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoState is the backend-agnostic "no payload stored under this key"
// signal. Store implementations map their native not-found condition to it.
var ErrNoState = errors.New("no rate limit state stored")

// InvalidThresholdError reports a limit configured with a threshold outside
// the [0, 1] range.
type InvalidThresholdError struct {
	Threshold float64
}

func (e *InvalidThresholdError) Error() string {
	return fmt.Sprintf("rate limit threshold must be between 0 and 1, got %v", e.Threshold)
}

// DuplicateLimitNameError reports two limits of one owner resolving to the
// same store key, which would silently corrupt each other's counters.
type DuplicateLimitNameError struct {
	Name string
}

func (e *DuplicateLimitNameError) Error() string {
	return fmt.Sprintf("duplicate rate limit name %q", e.Name)
}

// MalformedLimitDataError reports a stored payload that could not be decoded
// into counter state.
type MalformedLimitDataError struct {
	Payload string
	Reason  string
}

func (e *MalformedLimitDataError) Error() string {
	return fmt.Sprintf("malformed rate limit payload %q: %s", e.Payload, e.Reason)
}

// RateLimitReachedError carries the limit that blocked (pre-send) or was
// exhausted by (post-response) a request. Allow, Hits and RetryAfter let the
// caller compute a backoff delay.
type RateLimitReachedError struct {
	Limit *Limit
}

func (e *RateLimitReachedError) Error() string {
	return fmt.Sprintf(
		"rate limit %q reached (%d/%d hits), releases in %ds",
		e.Limit.ResolveName(), e.Limit.Hits(), e.Limit.AllowedHits(), e.Limit.RemainingSeconds(),
	)
}

// RetryAfter returns how long the caller should wait before retrying.
func (e *RateLimitReachedError) RetryAfter() time.Duration {
	return time.Duration(e.Limit.RemainingSeconds()) * time.Second
}

// IsRateLimitReached reports whether err wraps a RateLimitReachedError.
func IsRateLimitReached(err error) bool {
	if err == nil {
		return false
	}
	var target *RateLimitReachedError
	return errors.As(err, &target)
}
