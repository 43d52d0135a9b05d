package telemetry

import "time"

// Event types emitted by the rate-limited client.
const (
	// EventLimitBlocked: a request was refused locally before it was sent.
	EventLimitBlocked = "limit_blocked"
	// EventLimitExceeded: the remote API signalled exhaustion, or a local
	// counter crossed its threshold after a response.
	EventLimitExceeded = "limit_exceeded"
)

// Event is one rate limit incident, shipped to the configured exporters.
type Event struct {
	Type              string `json:"type"`
	Owner             string `json:"owner"`
	LimitName         string `json:"limit_name"`
	Hits              int    `json:"hits"`
	AllowedHits       int    `json:"allowed_hits"`
	ReleaseInSeconds  int    `json:"release_in_seconds"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
	RequestID         string `json:"request_id,omitempty"`
	Method            string `json:"method,omitempty"`
	Host              string `json:"host,omitempty"`
	Path              string `json:"path,omitempty"`
	StatusCode        int    `json:"status_code,omitempty"`
	OccurredAt        int64  `json:"occurred_at"`
}

// Stamp sets OccurredAt if the producer has not already.
func (e *Event) Stamp(now time.Time) *Event {
	if e.OccurredAt == 0 {
		e.OccurredAt = now.UnixMilli()
	}
	return e
}

// Telemetry is the exporter fan-out configuration.
type Telemetry struct {
	Exporters []ExporterConfig `json:"exporters" mapstructure:"exporters"`
}

// ExporterConfig names an exporter and carries its untyped settings; each
// exporter decodes and validates its own.
type ExporterConfig struct {
	Name     string                 `json:"name" mapstructure:"name"`
	Settings map[string]interface{} `json:"settings" mapstructure:"settings"`
}
