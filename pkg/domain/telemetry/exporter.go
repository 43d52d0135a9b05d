package telemetry

import "context"

// Exporter ships rate limit events to one backend. A registered exporter is
// a template: WithSettings returns the configured instance that Handle runs
// on.
type Exporter interface {
	Name() string
	ValidateConfig(settings map[string]interface{}) error
	Handle(ctx context.Context, evt *Event) error
	WithSettings(settings map[string]interface{}) (Exporter, error)
	Close()
}
