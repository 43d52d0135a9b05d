package client

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
	"github.com/ratefence/ratefence/pkg/domain/telemetry"
	"github.com/ratefence/ratefence/pkg/infra/httpx"
	"github.com/ratefence/ratefence/pkg/infra/prometheus"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-Id"

// RateLimited decorates an httpx.Client with windowed rate limiting. Before
// each send it hydrates the source's limits and refuses the call when one has
// no headroom; after each response it accounts the hit, honors the remote
// throttle signal and persists the counters back.
//
// Counting is best-effort: hydrate and commit are separate unlocked store
// operations, so concurrent requests may race a few hits over the allowance.
// The remote API's own throttle response remains the backstop.
type RateLimited struct {
	source            LimitSource
	client            httpx.Client
	logger            *logrus.Logger
	timeProvider      func() time.Time
	uuidProvider      func() uuid.UUID
	exceededPredicate func(resp *http.Response) bool
	useRetryAfter     bool
	exporters         []telemetry.Exporter
	enableMetrics     bool
}

// NewRateLimited wraps transport with the limits declared by source. opts may
// be nil.
func NewRateLimited(source LimitSource, transport httpx.Client, opts *Opts) *RateLimited {
	var timeProvider func() time.Time
	var uuidProvider func() uuid.UUID
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	} else {
		timeProvider = time.Now
	}
	if opts != nil && opts.UuidProvider != nil {
		uuidProvider = opts.UuidProvider
	} else {
		uuidProvider = uuid.New
	}

	c := &RateLimited{
		source:            source,
		client:            transport,
		timeProvider:      timeProvider,
		uuidProvider:      uuidProvider,
		exceededPredicate: defaultExceededPredicate,
	}
	if opts != nil {
		c.logger = opts.Logger
		if opts.ExceededPredicate != nil {
			c.exceededPredicate = opts.ExceededPredicate
		}
		c.useRetryAfter = opts.UseRetryAfter
		c.exporters = opts.Exporters
		c.enableMetrics = opts.EnableMetrics
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetOutput(io.Discard)
	}
	return c
}

// Do runs one request through the pre-send and post-response checks. A
// pre-send breach returns (nil, *RateLimitReachedError) without touching the
// network; a post-response breach returns the response alongside the error so
// the caller keeps what the server already sent.
func (c *RateLimited) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get(requestIDHeader) == "" {
		req.Header.Set(requestIDHeader, c.uuidProvider().String())
	}

	blockedBy, err := c.checkBeforeSend(ctx)
	if err != nil {
		return nil, err
	}
	if blockedBy != nil {
		c.reportBreach(ctx, req, nil, blockedBy, telemetry.EventLimitBlocked)
		return nil, &ratelimit.RateLimitReachedError{Limit: blockedBy}
	}

	started := c.timeProvider()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"owner":  c.source.Label(),
			"method": req.Method,
			"host":   req.URL.Host,
		}).Error("request failed")
		return nil, err
	}
	c.observeResponse(req, resp, c.timeProvider().Sub(started))

	flagged, err := c.recordResponse(ctx, resp)
	if err != nil {
		// The caller still gets the response; the error says the
		// accounting behind it is now unreliable.
		return resp, err
	}
	if flagged != nil {
		c.reportBreach(ctx, req, resp, flagged, telemetry.EventLimitExceeded)
		return resp, &ratelimit.RateLimitReachedError{Limit: flagged}
	}
	return resp, nil
}

// checkBeforeSend hydrates all limits under one frozen clock and returns the
// first, in declaration order, that has reached its threshold.
func (c *RateLimited) checkBeforeSend(ctx context.Context) (*ratelimit.Limit, error) {
	limits, _, err := c.configuredLimits()
	if err != nil {
		return nil, err
	}
	store := c.source.Store()
	for _, limit := range limits {
		if err := ratelimit.Hydrate(ctx, store, limit); err != nil {
			c.countStoreError("hydrate")
			return nil, err
		}
	}
	for _, limit := range limits {
		reached, err := limit.HasReachedLimit()
		if err != nil {
			return nil, err
		}
		if reached {
			return limit, nil
		}
	}
	for _, limit := range limits {
		c.gaugeUtilization(limit)
	}
	return nil, nil
}

// recordResponse re-hydrates the limits under a fresh clock snapshot, applies
// the remote throttle signal to the first limit, counts the hit on every
// limit and persists them all. It returns the limit to surface to the caller,
// if any.
func (c *RateLimited) recordResponse(ctx context.Context, resp *http.Response) (*ratelimit.Limit, error) {
	limits, now, err := c.configuredLimits()
	if err != nil {
		return nil, err
	}
	store := c.source.Store()

	var flagged *ratelimit.Limit
	for _, limit := range limits {
		if err := ratelimit.Hydrate(ctx, store, limit); err != nil {
			c.countStoreError("hydrate")
			return flagged, err
		}

		if flagged == nil && c.exceededPredicate(resp) {
			release := 0
			if c.useRetryAfter {
				release = RetryAfterSeconds(resp, now)
			}
			if release > 0 {
				limit.MarkExceeded(release)
			} else {
				limit.MarkExceeded()
			}
			c.countExceeded(limit, "response")
		}
		if flagged == nil && limit.HasExceeded() {
			flagged = limit
		}

		reachedBefore, err := limit.HasReachedLimit()
		if err != nil {
			return flagged, err
		}
		limit.Hit()
		if reachedNow, err := limit.HasReachedLimit(); err == nil && reachedNow && !reachedBefore {
			c.countExceeded(limit, "threshold")
		}

		if err := ratelimit.Commit(ctx, store, limit); err != nil {
			c.countStoreError("commit")
			return flagged, err
		}
		c.gaugeUtilization(limit)
	}
	return flagged, nil
}

// configuredLimits pulls fresh limit instances from the source, names and
// validates them, and freezes one "now" into all of them for this pass.
func (c *RateLimited) configuredLimits() ([]*ratelimit.Limit, time.Time, error) {
	limits, err := ratelimit.ConfigureLimits(c.source.Label(), c.source.Limits())
	if err != nil {
		return nil, time.Time{}, err
	}
	now := c.timeProvider()
	clock := ratelimit.FixedClock(now)
	for _, limit := range limits {
		limit.WithClock(clock)
	}
	return limits, now, nil
}

func (c *RateLimited) observeResponse(req *http.Request, resp *http.Response, elapsed time.Duration) {
	if !c.enableMetrics {
		return
	}
	prometheus.RequestsTotal.WithLabelValues(
		c.source.Label(), req.Method, strconv.Itoa(resp.StatusCode),
	).Inc()
	if prometheus.Config.EnableLatency {
		prometheus.RequestLatency.WithLabelValues(c.source.Label()).
			Observe(float64(elapsed.Milliseconds()))
	}
}

func (c *RateLimited) countStoreError(op string) {
	if !c.enableMetrics {
		return
	}
	prometheus.StoreErrors.WithLabelValues(c.source.Label(), op).Inc()
}

// countExceeded tallies one exceeded observation; source is "response" for a
// remote throttle signal, "threshold" for a local counter crossing.
func (c *RateLimited) countExceeded(limit *ratelimit.Limit, source string) {
	if !c.enableMetrics {
		return
	}
	prometheus.LimitExceeded.WithLabelValues(c.source.Label(), limit.ResolveName(), source).Inc()
}

func (c *RateLimited) gaugeUtilization(limit *ratelimit.Limit) {
	if !c.enableMetrics || !prometheus.Config.EnableUtilization {
		return
	}
	if limit.AllowedHits() == 0 {
		return
	}
	prometheus.LimitUtilization.WithLabelValues(c.source.Label(), limit.ResolveName()).
		Set(float64(limit.Hits()) / float64(limit.AllowedHits()))
}

// reportBreach logs, counts and exports one breach. Exporter errors are
// logged and dropped: observability must not fail the request path.
func (c *RateLimited) reportBreach(ctx context.Context, req *http.Request, resp *http.Response, limit *ratelimit.Limit, eventType string) {
	fields := logrus.Fields{
		"owner":             c.source.Label(),
		"limit":             limit.ResolveName(),
		"hits":              limit.Hits(),
		"allowed_hits":      limit.AllowedHits(),
		"remaining_seconds": limit.RemainingSeconds(),
	}
	if eventType == telemetry.EventLimitBlocked {
		c.logger.WithFields(fields).Warn("request blocked by rate limit")
		if c.enableMetrics {
			prometheus.RequestsBlocked.WithLabelValues(c.source.Label(), limit.ResolveName()).Inc()
		}
	} else {
		c.logger.WithFields(fields).Warn("rate limit exceeded")
	}

	if len(c.exporters) == 0 {
		return
	}
	event := &telemetry.Event{
		Type:              eventType,
		Owner:             c.source.Label(),
		LimitName:         limit.ResolveName(),
		Hits:              limit.Hits(),
		AllowedHits:       limit.AllowedHits(),
		ReleaseInSeconds:  limit.ReleaseInSeconds(),
		RetryAfterSeconds: limit.RemainingSeconds(),
		RequestID:         req.Header.Get(requestIDHeader),
		Method:            req.Method,
	}
	if req.URL != nil {
		event.Host = req.URL.Host
		event.Path = req.URL.Path
	}
	if resp != nil {
		event.StatusCode = resp.StatusCode
	}
	event.Stamp(c.timeProvider())

	for _, exporter := range c.exporters {
		if err := exporter.Handle(ctx, event); err != nil {
			c.logger.WithError(err).WithField("exporter", exporter.Name()).
				Warn("failed to export rate limit event")
		}
	}
}
