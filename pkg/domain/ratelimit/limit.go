package ratelimit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Window labels used for default limit naming.
const (
	ttlKeyMinute        = "minute"
	ttlKeyFiveMinutes   = "five_minutes"
	ttlKeyThirtyMinutes = "thirty_minutes"
	ttlKeyHour          = "hour"
	ttlKeySixHours      = "six_hours"
	ttlKeyTwelveHours   = "twelve_hours"
	ttlKeyDay           = "day"
	ttlKeyMidnight      = "midnight"
)

// Limit is one rate-limiting rule together with its live counter state for
// the current request/response cycle. Durable state lives in a Store under
// the limit's resolved name; a Limit instance itself is built fresh,
// hydrated, mutated during one cycle and then discarded.
type Limit struct {
	allow            int
	threshold        float64
	hits             int
	expiresAt        int64 // epoch seconds, 0 until derived
	releaseInSeconds int
	ttlKey           string
	nameOverride     string
	ownerName        string
	exceeded         bool
	clock            Clock
}

// Allow starts a limit permitting n hits per window. The threshold defaults
// to 1.0 and the window must be set with one of the Every* selectors before
// the limit is used.
func Allow(n int) *Limit {
	return &Limit{
		allow:     n,
		threshold: 1.0,
		clock:     time.Now,
	}
}

// Threshold overrides the fraction of the allowed hits at which the limit
// counts as reached. Validated on configuration and on every check.
func (l *Limit) Threshold(t float64) *Limit {
	l.threshold = t
	return l
}

// EverySeconds sets an arbitrary window length. An optional label replaces
// the raw second count in the default name. The last window selector call
// wins.
func (l *Limit) EverySeconds(seconds int, label ...string) *Limit {
	l.releaseInSeconds = seconds
	l.ttlKey = ""
	if len(label) > 0 {
		l.ttlKey = label[0]
	}
	return l
}

func (l *Limit) EveryMinute() *Limit {
	return l.setWindow(60, ttlKeyMinute)
}

func (l *Limit) EveryFiveMinutes() *Limit {
	return l.setWindow(5*60, ttlKeyFiveMinutes)
}

func (l *Limit) EveryThirtyMinutes() *Limit {
	return l.setWindow(30*60, ttlKeyThirtyMinutes)
}

func (l *Limit) EveryHour() *Limit {
	return l.setWindow(60*60, ttlKeyHour)
}

func (l *Limit) EverySixHours() *Limit {
	return l.setWindow(6*60*60, ttlKeySixHours)
}

func (l *Limit) EveryTwelveHours() *Limit {
	return l.setWindow(12*60*60, ttlKeyTwelveHours)
}

func (l *Limit) EveryDay() *Limit {
	return l.setWindow(24*60*60, ttlKeyDay)
}

// UntilNextMidnight sets a window closing at the next local midnight, so the
// counter resets on the date change rather than a rolling 24h boundary.
func (l *Limit) UntilNextMidnight() *Limit {
	now := l.clock()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	l.releaseInSeconds = int(midnight.Sub(now) / time.Second)
	l.ttlKey = ttlKeyMidnight
	return l
}

func (l *Limit) setWindow(seconds int, key string) *Limit {
	l.releaseInSeconds = seconds
	l.ttlKey = key
	return l
}

// Named sets an explicit store name, bypassing default derivation.
func (l *Limit) Named(name string) *Limit {
	l.nameOverride = name
	return l
}

// WithClock injects the time source used for expiry arithmetic.
func (l *Limit) WithClock(c Clock) *Limit {
	if c != nil {
		l.clock = c
	}
	return l
}

// SetOwnerName records the label of the owning source, used for default
// naming.
func (l *Limit) SetOwnerName(label string) {
	l.ownerName = label
}

// ResolveName returns the store key for this limit: the explicit override if
// set, otherwise "{owner}_allow_{allow}_every_{label-or-seconds}". The result
// is deterministic for a given configuration.
func (l *Limit) ResolveName() string {
	if l.nameOverride != "" {
		return l.nameOverride
	}
	window := l.ttlKey
	if window == "" {
		window = strconv.Itoa(l.releaseInSeconds)
	}
	return fmt.Sprintf("%s_allow_%d_every_%s", l.ownerName, l.allow, window)
}

// Hit increments the counter by amount (default 1). Once a limit has been
// marked exceeded the counter is pinned at the allowed maximum and hits are
// no-ops.
func (l *Limit) Hit(amount ...int) *Limit {
	if l.exceeded {
		return l
	}
	n := 1
	if len(amount) > 0 {
		n = amount[0]
	}
	if n < 0 {
		n = 0
	}
	l.hits += n
	return l
}

// MarkExceeded flags the limit as tripped by an external signal (typically an
// HTTP 429) and pins the counter at the allowed maximum. When the signal
// carries its own release window, passing it recomputes the cached expiry to
// now + releaseInSeconds.
func (l *Limit) MarkExceeded(releaseInSeconds ...int) {
	l.exceeded = true
	l.hits = l.allow
	if len(releaseInSeconds) > 0 {
		l.expiresAt = l.now() + int64(releaseInSeconds[0])
	}
}

// HasReachedLimit reports whether the counter is at or past the effective
// threshold fraction of the allowed hits. An optional threshold overrides the
// configured one for this check only.
func (l *Limit) HasReachedLimit(threshold ...float64) (bool, error) {
	t := l.threshold
	if len(threshold) > 0 {
		t = threshold[0]
	}
	if err := validateThreshold(t); err != nil {
		return false, err
	}
	return float64(l.hits) >= t*float64(l.allow), nil
}

// HasExceeded returns the sticky exceeded flag, distinct from the live
// HasReachedLimit predicate.
func (l *Limit) HasExceeded() bool {
	return l.exceeded
}

// ExpiryTimestamp returns the epoch second at which the current window
// closes, deriving now + releaseInSeconds on first use and caching the
// result.
func (l *Limit) ExpiryTimestamp() int64 {
	if l.expiresAt == 0 {
		l.expiresAt = l.now() + int64(l.releaseInSeconds)
	}
	return l.expiresAt
}

// RemainingSeconds returns the seconds left in the current window, used as
// the store TTL on commit.
func (l *Limit) RemainingSeconds() int64 {
	return l.ExpiryTimestamp() - l.now()
}

func (l *Limit) Hits() int {
	return l.hits
}

func (l *Limit) AllowedHits() int {
	return l.allow
}

func (l *Limit) ReleaseInSeconds() int {
	return l.releaseInSeconds
}

type storedState struct {
	Timestamp int64 `json:"timestamp"`
	Hits      int   `json:"hits"`
}

// SerializeState encodes the live counter state as the store payload,
// deriving the expiry timestamp if it has not been computed yet.
func (l *Limit) SerializeState() (string, error) {
	data, err := json.Marshal(storedState{
		Timestamp: l.ExpiryTimestamp(),
		Hits:      l.hits,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize limit state: %w", err)
	}
	return string(data), nil
}

// RestoreState merges a store payload into the limit. A payload whose
// timestamp is already in the past marks a rolled-over window and is
// discarded, leaving the limit at its fresh defaults. Missing fields or
// undecodable payloads fail with MalformedLimitDataError.
func (l *Limit) RestoreState(payload string) error {
	var state struct {
		Timestamp *int64 `json:"timestamp"`
		Hits      *int   `json:"hits"`
	}
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return &MalformedLimitDataError{Payload: payload, Reason: err.Error()}
	}
	if state.Timestamp == nil || state.Hits == nil {
		return &MalformedLimitDataError{Payload: payload, Reason: "missing timestamp or hits field"}
	}
	if *state.Hits < 0 {
		return &MalformedLimitDataError{Payload: payload, Reason: "negative hits"}
	}
	if *state.Timestamp < l.now() {
		return nil
	}
	l.expiresAt = *state.Timestamp
	l.hits = *state.Hits
	return nil
}

func (l *Limit) validate() error {
	return validateThreshold(l.threshold)
}

func (l *Limit) now() int64 {
	return l.clock().Unix()
}

func validateThreshold(t float64) error {
	if t < 0 || t > 1 {
		return &InvalidThresholdError{Threshold: t}
	}
	return nil
}
