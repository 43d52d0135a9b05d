package ratelimit

import "time"

// Clock supplies the current time to the entities in this package. Limits
// never read the wall clock directly, which keeps window arithmetic
// deterministic under test and lets callers freeze "now" for a whole
// check pass.
type Clock func() time.Time

// FixedClock returns a Clock pinned to t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
