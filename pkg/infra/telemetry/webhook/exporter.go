package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/ratefence/ratefence/pkg/domain/telemetry"
	"github.com/ratefence/ratefence/pkg/infra/httpx"
)

const (
	ExporterName = "webhook"

	defaultBreakerTimeout  = 30 * time.Second
	defaultBreakerFailures = 5
)

type Config struct {
	Url   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// Exporter POSTs rate limit events to an HTTP endpoint as JSON. Deliveries
// run through a circuit breaker so a dead endpoint cannot stall the client.
type Exporter struct {
	cfg     Config
	client  httpx.Client
	breaker httpx.CircuitBreaker
}

func NewWebhookExporter(client httpx.Client) *Exporter {
	return &Exporter{
		client: client,
	}
}

func (p *Exporter) Name() string {
	return ExporterName
}

func (p *Exporter) ValidateConfig(settings map[string]interface{}) error {
	var conf Config
	if err := mapstructure.Decode(settings, &conf); err != nil {
		return fmt.Errorf("invalid webhook config: %w", err)
	}
	if conf.Url == "" {
		return errors.New("webhook url is required")
	}
	return nil
}

func (p *Exporter) WithSettings(settings map[string]interface{}) (telemetry.Exporter, error) {
	var conf Config
	if err := mapstructure.Decode(settings, &conf); err != nil {
		return nil, fmt.Errorf("invalid webhook config: %w", err)
	}
	return &Exporter{
		cfg:     conf,
		client:  p.client,
		breaker: httpx.NewCircuitBreaker("webhook", defaultBreakerTimeout, defaultBreakerFailures),
	}, nil
}

func (p *Exporter) Handle(ctx context.Context, evt *telemetry.Event) error {
	if p.client == nil || p.breaker == nil {
		return errors.New("webhook exporter is not initialized")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
		}

		res, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer res.Body.Close()

		if _, err := io.ReadAll(res.Body); err != nil {
			return fmt.Errorf("failed to read webhook response body: %w", err)
		}
		if res.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("webhook returned status code %d", res.StatusCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}

func (p *Exporter) Close() {}
