package client

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ratefence/ratefence/pkg/domain/telemetry"
	"github.com/sirupsen/logrus"
)

// Opts carries the optional collaborators of RateLimited. Every field is
// nil-safe: absent providers fall back to the wall clock, random UUIDs, the
// 429 predicate and a discarding logger.
type Opts struct {
	TimeProvider func() time.Time
	UuidProvider func() uuid.UUID

	Logger *logrus.Logger

	// ExceededPredicate decides whether a response means the remote API has
	// cut this client off. Defaults to status code 429.
	ExceededPredicate func(resp *http.Response) bool

	// UseRetryAfter releases the exceeded window when the response carries a
	// Retry-After header or a retry_after JSON body field.
	UseRetryAfter bool

	// Exporters receive one telemetry event per breach. Export failures are
	// logged and never fail the request.
	Exporters []telemetry.Exporter

	// EnableMetrics turns on the prometheus counters.
	EnableMetrics bool
}

func defaultExceededPredicate(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusTooManyRequests
}
