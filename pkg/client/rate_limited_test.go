package client_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ratefence/ratefence/pkg/client"
	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
	"github.com/ratefence/ratefence/pkg/domain/telemetry"
	"github.com/ratefence/ratefence/pkg/infra/httpx/mocks"
	"github.com/ratefence/ratefence/pkg/infra/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func respondWith(status int) *http.Response {
	return &http.Response{StatusCode: status, Header: make(http.Header), Body: http.NoBody}
}

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://api.github.com/repos", nil)
	require.NoError(t, err)
	return req
}

type stubStore struct {
	getValue string
	getErr   error
	setErr   error
	sets     int
}

func (s *stubStore) Get(_ context.Context, _ string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	if s.getValue == "" {
		return "", ratelimit.ErrNoState
	}
	return s.getValue, nil
}

func (s *stubStore) Set(_ context.Context, _ string, _ string, _ time.Duration) error {
	s.sets++
	return s.setErr
}

type recordingExporter struct {
	events []*telemetry.Event
	err    error
}

func (r *recordingExporter) Name() string { return "recording" }

func (r *recordingExporter) ValidateConfig(map[string]interface{}) error { return nil }

func (r *recordingExporter) WithSettings(map[string]interface{}) (telemetry.Exporter, error) {
	return r, nil
}

func (r *recordingExporter) Close() {}

func (r *recordingExporter) Handle(_ context.Context, evt *telemetry.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

func TestRateLimited_Do_AllowsAndCommits(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(respondWith(http.StatusOK), nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	resp, err := limited.Do(newRequest(t))

	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	payload, err := st.Get(context.Background(), "github_allow_10_every_minute")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"timestamp": %d, "hits": 1}`, fixedTime.Unix()+60), payload)
}

func TestRateLimited_Do_AccumulatesHitsAcrossCalls(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(respondWith(http.StatusOK), nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	for i := 0; i < 3; i++ {
		_, err := limited.Do(newRequest(t))
		require.NoError(t, err)
	}

	transport.AssertNumberOfCalls(t, "Do", 3)
	payload, err := st.Get(context.Background(), "github_allow_10_every_minute")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"timestamp": %d, "hits": 3}`, fixedTime.Unix()+60), payload)
}

func TestRateLimited_Do_SetsRequestID(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	uid := uuid.New()
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.MatchedBy(func(r *http.Request) bool {
		return r.Header.Get("X-Request-Id") == uid.String()
	})).Return(respondWith(http.StatusOK), nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
		UuidProvider: func() uuid.UUID { return uid },
	})

	_, err := limited.Do(newRequest(t))

	require.NoError(t, err)
	transport.AssertExpectations(t)
}

func TestRateLimited_Do_KeepsCallerRequestID(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.MatchedBy(func(r *http.Request) bool {
		return r.Header.Get("X-Request-Id") == "caller-supplied"
	})).Return(respondWith(http.StatusOK), nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	req := newRequest(t)
	req.Header.Set("X-Request-Id", "caller-supplied")
	_, err := limited.Do(req)

	require.NoError(t, err)
	transport.AssertExpectations(t)
}

func TestRateLimited_Do_BlocksWhenNoHeadroom(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	seeded := fmt.Sprintf(`{"timestamp": %d, "hits": 10}`, fixedTime.Unix()+30)
	require.NoError(t, st.Set(context.Background(), "github_allow_10_every_minute", seeded, time.Minute))

	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	resp, err := limited.Do(newRequest(t))

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, ratelimit.IsRateLimitReached(err))

	var reached *ratelimit.RateLimitReachedError
	require.True(t, errors.As(err, &reached))
	assert.Equal(t, "github_allow_10_every_minute", reached.Limit.ResolveName())
	assert.Equal(t, 30*time.Second, reached.RetryAfter())

	transport.AssertNotCalled(t, "Do", mock.Anything)
}

func TestRateLimited_Do_ThresholdBlocksEarly(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	seeded := fmt.Sprintf(`{"timestamp": %d, "hits": 5}`, fixedTime.Unix()+30)
	require.NoError(t, st.Set(context.Background(), "github_allow_10_every_minute", seeded, time.Minute))

	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).Threshold(0.5).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	resp, err := limited.Do(newRequest(t))

	assert.Nil(t, resp)
	assert.True(t, ratelimit.IsRateLimitReached(err))
	transport.AssertNotCalled(t, "Do", mock.Anything)
}

func TestRateLimited_Do_ExpiredStateStartsFresh(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	// Stale window: the payload survived in the store but its timestamp is in
	// the past, so hydration discards it.
	seeded := fmt.Sprintf(`{"timestamp": %d, "hits": 10}`, fixedTime.Unix()-10)
	require.NoError(t, st.Set(context.Background(), "github_allow_10_every_minute", seeded, 0))

	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(respondWith(http.StatusOK), nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	resp, err := limited.Do(newRequest(t))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	payload, err := st.Get(context.Background(), "github_allow_10_every_minute")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"timestamp": %d, "hits": 1}`, fixedTime.Unix()+60), payload)
}

func TestRateLimited_Do_TooManyRequestsMarksExceeded(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(respondWith(http.StatusTooManyRequests), nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	resp, err := limited.Do(newRequest(t))

	// The caller gets both the response the server sent and the typed error.
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.True(t, ratelimit.IsRateLimitReached(err))

	payload, err := st.Get(context.Background(), "github_allow_10_every_minute")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"timestamp": %d, "hits": 10}`, fixedTime.Unix()+60), payload)
}

func TestRateLimited_Do_ExceededIsStickyAcrossCalls(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(respondWith(http.StatusTooManyRequests), nil).Once()

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	_, err := limited.Do(newRequest(t))
	assert.True(t, ratelimit.IsRateLimitReached(err))

	// The pinned counter blocks the next attempt before it reaches the wire.
	resp, err := limited.Do(newRequest(t))
	assert.Nil(t, resp)
	assert.True(t, ratelimit.IsRateLimitReached(err))
	transport.AssertNumberOfCalls(t, "Do", 1)
}

func TestRateLimited_Do_RetryAfterHeaderSetsReleaseWindow(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	throttled := respondWith(http.StatusTooManyRequests)
	throttled.Header.Set("Retry-After", "300")
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(throttled, nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider:  func() time.Time { return fixedTime },
		UseRetryAfter: true,
	})

	_, err := limited.Do(newRequest(t))
	assert.True(t, ratelimit.IsRateLimitReached(err))

	// The server-advised backoff replaces the window remainder as the expiry.
	payload, err := st.Get(context.Background(), "github_allow_10_every_minute")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"timestamp": %d, "hits": 10}`, fixedTime.Unix()+300), payload)
}

func TestRateLimited_Do_RetryAfterBodySetsReleaseWindow(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	throttled := respondWith(http.StatusTooManyRequests)
	throttled.Body = io.NopCloser(bytes.NewReader([]byte(`{"message": "throttled", "retry_after": 120}`)))
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(throttled, nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider:  func() time.Time { return fixedTime },
		UseRetryAfter: true,
	})

	resp, err := limited.Do(newRequest(t))
	assert.True(t, ratelimit.IsRateLimitReached(err))

	payload, err := st.Get(context.Background(), "github_allow_10_every_minute")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"timestamp": %d, "hits": 10}`, fixedTime.Unix()+120), payload)

	// Peeking at the body must leave it readable for the caller.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "throttled")
}

func TestRateLimited_Do_CustomPredicate(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(respondWith(http.StatusServiceUnavailable), nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
		ExceededPredicate: func(resp *http.Response) bool {
			return resp != nil && resp.StatusCode == http.StatusServiceUnavailable
		},
	})

	resp, err := limited.Do(newRequest(t))

	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, ratelimit.IsRateLimitReached(err))
}

func TestRateLimited_Do_FirstReachedLimitWins(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	require.NoError(t, st.Set(context.Background(), "github_allow_2_every_10",
		fmt.Sprintf(`{"timestamp": %d, "hits": 2}`, fixedTime.Unix()+5), time.Minute))
	require.NoError(t, st.Set(context.Background(), "github_allow_60_every_minute",
		fmt.Sprintf(`{"timestamp": %d, "hits": 60}`, fixedTime.Unix()+30), time.Minute))

	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{
			ratelimit.Allow(2).EverySeconds(10),
			ratelimit.Allow(60).EveryMinute(),
		}
	})
	transport := new(mocks.MockHTTPClient)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	_, err := limited.Do(newRequest(t))

	var reached *ratelimit.RateLimitReachedError
	require.True(t, errors.As(err, &reached))
	assert.Equal(t, "github_allow_2_every_10", reached.Limit.ResolveName())
	transport.AssertNotCalled(t, "Do", mock.Anything)
}

func TestRateLimited_Do_DuplicateLimitNamesFailFast(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{
			ratelimit.Allow(10).EveryMinute(),
			ratelimit.Allow(10).EveryMinute(),
		}
	})
	transport := new(mocks.MockHTTPClient)

	limited := client.NewRateLimited(source, transport, nil)

	resp, err := limited.Do(newRequest(t))

	assert.Nil(t, resp)
	var duplicate *ratelimit.DuplicateLimitNameError
	require.True(t, errors.As(err, &duplicate))
	assert.Equal(t, "github_allow_10_every_minute", duplicate.Name)
	transport.AssertNotCalled(t, "Do", mock.Anything)
}

func TestRateLimited_Do_TransportErrorPropagates(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	dialErr := errors.New("dial tcp: connection refused")
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(nil, dialErr)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	resp, err := limited.Do(newRequest(t))

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, dialErr)

	// No response, no hit recorded.
	_, err = st.Get(context.Background(), "github_allow_10_every_minute")
	assert.ErrorIs(t, err, ratelimit.ErrNoState)
}

func TestRateLimited_Do_HydrateFailurePropagates(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := &stubStore{getErr: errors.New("redis: connection refused")}
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	resp, err := limited.Do(newRequest(t))

	assert.Nil(t, resp)
	assert.ErrorContains(t, err, "failed to hydrate limit")
	transport.AssertNotCalled(t, "Do", mock.Anything)
}

func TestRateLimited_Do_CommitFailureReturnsResponse(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := &stubStore{setErr: errors.New("redis: connection refused")}
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(respondWith(http.StatusOK), nil)

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
	})

	resp, err := limited.Do(newRequest(t))

	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ErrorContains(t, err, "failed to commit limit")
}

func TestRateLimited_Do_EmitsTelemetryWhenBlocked(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	uid := uuid.New()
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	seeded := fmt.Sprintf(`{"timestamp": %d, "hits": 10}`, fixedTime.Unix()+30)
	require.NoError(t, st.Set(context.Background(), "github_allow_10_every_minute", seeded, time.Minute))

	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	exporter := &recordingExporter{}

	limited := client.NewRateLimited(source, new(mocks.MockHTTPClient), &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
		UuidProvider: func() uuid.UUID { return uid },
		Exporters:    []telemetry.Exporter{exporter},
	})

	_, err := limited.Do(newRequest(t))
	require.Error(t, err)

	require.Len(t, exporter.events, 1)
	event := exporter.events[0]
	assert.Equal(t, telemetry.EventLimitBlocked, event.Type)
	assert.Equal(t, "github", event.Owner)
	assert.Equal(t, "github_allow_10_every_minute", event.LimitName)
	assert.Equal(t, 10, event.Hits)
	assert.Equal(t, 10, event.AllowedHits)
	assert.Equal(t, int64(30), event.RetryAfterSeconds)
	assert.Equal(t, uid.String(), event.RequestID)
	assert.Equal(t, http.MethodGet, event.Method)
	assert.Equal(t, "api.github.com", event.Host)
	assert.Equal(t, "/repos", event.Path)
	assert.Zero(t, event.StatusCode)
	assert.Equal(t, fixedTime.UnixMilli(), event.OccurredAt)
}

func TestRateLimited_Do_EmitsTelemetryWhenExceeded(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	transport := new(mocks.MockHTTPClient)
	transport.On("Do", mock.Anything).Return(respondWith(http.StatusTooManyRequests), nil)
	exporter := &recordingExporter{}

	limited := client.NewRateLimited(source, transport, &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
		Exporters:    []telemetry.Exporter{exporter},
	})

	_, err := limited.Do(newRequest(t))
	require.Error(t, err)

	require.Len(t, exporter.events, 1)
	event := exporter.events[0]
	assert.Equal(t, telemetry.EventLimitExceeded, event.Type)
	assert.Equal(t, "github_allow_10_every_minute", event.LimitName)
	assert.Equal(t, 10, event.Hits)
	assert.Equal(t, http.StatusTooManyRequests, event.StatusCode)
}

func TestRateLimited_Do_ExporterFailureDoesNotFailRequest(t *testing.T) {
	fixedTime := time.Unix(1740730536, 0)
	st := store.NewMemoryStore().WithNow(func() time.Time { return fixedTime })
	seeded := fmt.Sprintf(`{"timestamp": %d, "hits": 10}`, fixedTime.Unix()+30)
	require.NoError(t, st.Set(context.Background(), "github_allow_10_every_minute", seeded, time.Minute))

	source := client.NewSource("github", st, func() []*ratelimit.Limit {
		return []*ratelimit.Limit{ratelimit.Allow(10).EveryMinute()}
	})
	exporter := &recordingExporter{err: errors.New("kafka: broker unreachable")}

	limited := client.NewRateLimited(source, new(mocks.MockHTTPClient), &client.Opts{
		TimeProvider: func() time.Time { return fixedTime },
		Exporters:    []telemetry.Exporter{exporter},
	})

	_, err := limited.Do(newRequest(t))

	// The breach error survives untouched; the exporter failure stays out of
	// the request path.
	assert.True(t, ratelimit.IsRateLimitReached(err))
	assert.NotContains(t, err.Error(), "kafka")
}
