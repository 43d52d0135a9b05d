package config

import (
	"fmt"
	"time"

	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
)

// LimitConfig is one declared rate limit. `every` takes a window preset
// (minute, five_minutes, thirty_minutes, hour, six_hours, twelve_hours, day,
// midnight) or a Go duration string such as "90s".
type LimitConfig struct {
	Allow     int     `mapstructure:"allow"`
	Threshold float64 `mapstructure:"threshold"`
	Every     string  `mapstructure:"every"`
	Name      string  `mapstructure:"name"`
}

// Build materializes one fresh Limit from the declaration.
func (c LimitConfig) Build() (*ratelimit.Limit, error) {
	if c.Allow <= 0 {
		return nil, fmt.Errorf("limit must allow at least one hit, got %d", c.Allow)
	}
	limit := ratelimit.Allow(c.Allow)
	if c.Threshold > 0 {
		limit.Threshold(c.Threshold)
	}

	switch c.Every {
	case "minute":
		limit.EveryMinute()
	case "five_minutes":
		limit.EveryFiveMinutes()
	case "thirty_minutes":
		limit.EveryThirtyMinutes()
	case "hour":
		limit.EveryHour()
	case "six_hours":
		limit.EverySixHours()
	case "twelve_hours":
		limit.EveryTwelveHours()
	case "day":
		limit.EveryDay()
	case "midnight":
		limit.UntilNextMidnight()
	case "":
		return nil, fmt.Errorf("limit has no window: set `every` to a preset or a duration")
	default:
		window, err := time.ParseDuration(c.Every)
		if err != nil {
			return nil, fmt.Errorf("invalid limit window %q: %w", c.Every, err)
		}
		if window < time.Second {
			return nil, fmt.Errorf("limit window %q is shorter than a second", c.Every)
		}
		limit.EverySeconds(int(window / time.Second))
	}

	if c.Name != "" {
		limit.Named(c.Name)
	}
	return limit, nil
}

// BuildLimits materializes every declared limit. The daemon calls it once at
// startup to validate the declarations and then on every check pass, since
// hydration mutates limit instances.
func (c *Config) BuildLimits() ([]*ratelimit.Limit, error) {
	limits := make([]*ratelimit.Limit, 0, len(c.Limits))
	for i, declaration := range c.Limits {
		limit, err := declaration.Build()
		if err != nil {
			return nil, fmt.Errorf("limits[%d]: %w", i, err)
		}
		limits = append(limits, limit)
	}
	return limits, nil
}
