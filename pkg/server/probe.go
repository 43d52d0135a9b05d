package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
	"github.com/ratefence/ratefence/pkg/infra/httpx"
	"github.com/sirupsen/logrus"
)

// ProbeConfig describes the endpoint the prober drives.
type ProbeConfig struct {
	URL      string
	Method   string
	Interval time.Duration
	Timeout  time.Duration
}

// Prober fires one request per tick through the rate-limited client and logs
// the decision, exercising hydrate and commit against the real store.
type Prober struct {
	client httpx.Client
	cfg    ProbeConfig
	logger *logrus.Logger
}

func NewProber(client httpx.Client, cfg ProbeConfig, logger *logrus.Logger) *Prober {
	return &Prober{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Run probes immediately and then once per interval, until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"url":      p.cfg.URL,
		"interval": p.cfg.Interval.String(),
	}).Info("prober started")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, p.cfg.Method, p.cfg.URL, nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to build probe request")
		return
	}

	resp, err := p.client.Do(req)
	if resp != nil && resp.Body != nil {
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
	}
	if err != nil {
		var reached *ratelimit.RateLimitReachedError
		if errors.As(err, &reached) {
			p.logger.WithFields(logrus.Fields{
				"limit":       reached.Limit.ResolveName(),
				"retry_after": reached.RetryAfter().String(),
			}).Warn("probe held back by rate limit")
			return
		}
		p.logger.WithError(err).Error("probe request failed")
		return
	}

	p.logger.WithField("status", resp.StatusCode).Debug("probe completed")
}
