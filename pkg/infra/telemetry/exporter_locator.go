package telemetry

import (
	"fmt"

	"github.com/ratefence/ratefence/pkg/domain/telemetry"
)

// ExporterLocator resolves exporter configs against the registered exporter
// templates.
type ExporterLocator struct {
	exporters map[string]telemetry.Exporter
}

func NewExporterLocator(opts ...ExporterLocatorOption) *ExporterLocator {
	el := &ExporterLocator{
		exporters: make(map[string]telemetry.Exporter),
	}
	for _, opt := range opts {
		opt(el)
	}
	return el
}

// GetExporter validates the config and returns the configured exporter
// instance.
func (p *ExporterLocator) GetExporter(cfg telemetry.ExporterConfig) (telemetry.Exporter, error) {
	base, err := p.lookup(cfg.Name)
	if err != nil {
		return nil, err
	}
	if err := base.ValidateConfig(cfg.Settings); err != nil {
		return nil, err
	}
	return base.WithSettings(cfg.Settings)
}

// ValidateExporter checks the config without instantiating anything.
func (p *ExporterLocator) ValidateExporter(cfg telemetry.ExporterConfig) error {
	base, err := p.lookup(cfg.Name)
	if err != nil {
		return err
	}
	return base.ValidateConfig(cfg.Settings)
}

func (p *ExporterLocator) lookup(name string) (telemetry.Exporter, error) {
	base, ok := p.exporters[name]
	if !ok {
		return nil, fmt.Errorf("unknown exporter: %s", name)
	}
	return base, nil
}
