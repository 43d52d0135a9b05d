package telemetry

import "github.com/ratefence/ratefence/pkg/domain/telemetry"

// ExporterLocatorOption configures an ExporterLocator at construction.
type ExporterLocatorOption func(*ExporterLocator)

// WithExporter registers the template exporter under name. Registering the
// same name again replaces the previous template.
func WithExporter(name string, exporter telemetry.Exporter) ExporterLocatorOption {
	return func(el *ExporterLocator) {
		el.exporters[name] = exporter
	}
}
