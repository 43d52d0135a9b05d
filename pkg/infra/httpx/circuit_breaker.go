package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// halfOpenProbes is how many trial calls a half-open breaker lets through
// before deciding to close again.
const halfOpenProbes = 5

type CircuitBreaker interface {
	Execute(fn func() error) error
}

type circuitBreakerWrapper struct {
	breaker *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(name string, timeout time.Duration, maxFailures uint32) CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenProbes,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &circuitBreakerWrapper{
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *circuitBreakerWrapper) Execute(fn func() error) error {
	if _, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	}); err != nil {
		return fmt.Errorf("breaker (%s): %w", g.breaker.Name(), err)
	}
	return nil
}

// errServerFault feeds 5xx responses into the breaker's failure count
// without discarding the response.
var errServerFault = errors.New("upstream server fault")

// BreakerClient guards a transport with a circuit breaker. Transport errors
// and 5xx responses count as failures; once the breaker opens, Do fails fast
// with gobreaker.ErrOpenState until the timeout elapses.
type BreakerClient struct {
	client  Client
	breaker CircuitBreaker
}

// NewBreakerClient wraps client with a breaker named after the upstream it
// talks to.
func NewBreakerClient(client Client, name string, timeout time.Duration, maxFailures uint32) *BreakerClient {
	return &BreakerClient{
		client:  client,
		breaker: NewCircuitBreaker(name, timeout, maxFailures),
	}
}

func (c *BreakerClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.breaker.Execute(func() error {
		var doErr error
		resp, doErr = c.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errServerFault
		}
		return nil
	})
	if err != nil {
		if resp != nil && errors.Is(err, errServerFault) {
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}
