package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/citysync/config"
	"example.com/backstage/services/citysync/internal/resilience"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordedSleeps) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedServer answers with the given statuses in order, then repeats the last one
func scriptedServer(t *testing.T, body string, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status < 300 {
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testClientConfig(baseURL string) config.ClientConfig {
	return config.ClientConfig{
		BaseURL:          baseURL,
		Timeout:          2 * time.Second,
		HealthTimeout:    time.Second,
		MaxAttempts:      3,
		Backoff:          []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

func newTestClient(t *testing.T, baseURL string, clock *manualClock, sleeps *recordedSleeps) *ResilientClient {
	t.Helper()
	cfg := testClientConfig(baseURL)
	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name:             "vehicles",
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
		Now:              clock.Now,
	})
	return NewResilientClient("vehicles", cfg, breaker, WithSleep(sleeps.Sleep), WithHTTPClient(http.DefaultClient))
}

const vehicleBody = `{"success":true,"data":{"id":"v1","make":"Toyota","model":"Hiace","capacity":14,"isActive":true}}`

func TestRetryBoundingWithFixedBackoff(t *testing.T) {
	srv, hits := scriptedServer(t, vehicleBody, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	sleeps := &recordedSleeps{}
	client := newTestClient(t, srv.URL, &manualClock{now: time.Now()}, sleeps)

	result := NewVehicleClient(client).GetVehicle(context.Background(), "v1")

	require.True(t, result.IsOK(), result.Reason)
	assert.Equal(t, "v1", result.Value.ID)
	assert.Equal(t, 14, result.Value.Capacity)
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeps.Delays())
	assert.Equal(t, resilience.StateClosed, client.Breaker().State())
	assert.Equal(t, 0, client.Breaker().Snapshot().FailureCount)
}

func TestRetryExhaustedReturnsRequestError(t *testing.T) {
	srv, hits := scriptedServer(t, "", http.StatusBadGateway)
	sleeps := &recordedSleeps{}
	client := newTestClient(t, srv.URL, &manualClock{now: time.Now()}, sleeps)

	_, err := client.Do(context.Background(), Request{Path: "/api/vehicles/v1"})

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusBadGateway, reqErr.StatusCode)
	assert.Equal(t, 3, reqErr.Attempts)
	assert.True(t, reqErr.Retryable())
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
	assert.Len(t, sleeps.Delays(), 2)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	srv, hits := scriptedServer(t, "", http.StatusNotFound)
	sleeps := &recordedSleeps{}
	client := newTestClient(t, srv.URL, &manualClock{now: time.Now()}, sleeps)

	result := NewVehicleClient(client).GetVehicle(context.Background(), "missing")

	assert.True(t, result.IsNotFound())
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Empty(t, sleeps.Delays())
}

func TestClientErrorIsUnavailableWithoutRetry(t *testing.T) {
	srv, hits := scriptedServer(t, "", http.StatusBadRequest)
	client := newTestClient(t, srv.URL, &manualClock{now: time.Now()}, &recordedSleeps{})

	result := NewVehicleClient(client).ListVehicles(context.Background(), VehicleFilter{CityID: "c1"})

	assert.True(t, result.IsUnavailable())
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestBreakerOpensAndSkipsNetwork(t *testing.T) {
	srv, hits := scriptedServer(t, "", http.StatusNotFound)
	clock := &manualClock{now: time.Now()}
	client := newTestClient(t, srv.URL, clock, &recordedSleeps{})
	vehicles := NewVehicleClient(client)

	for i := 0; i < 5; i++ {
		vehicles.GetVehicle(context.Background(), "v1")
	}
	require.Equal(t, int32(5), atomic.LoadInt32(hits))
	assert.Equal(t, resilience.StateOpen, client.Breaker().State())

	result := vehicles.GetVehicle(context.Background(), "v1")

	assert.True(t, result.IsUnavailable())
	assert.True(t, result.CircuitOpen())
	assert.Equal(t, int32(5), atomic.LoadInt32(hits))
}

func TestBreakerOpeningMidSequenceStopsRetries(t *testing.T) {
	srv, hits := scriptedServer(t, "", http.StatusInternalServerError)
	client := newTestClient(t, srv.URL, &manualClock{now: time.Now()}, &recordedSleeps{})

	_, err := client.Do(context.Background(), Request{Path: "/x"})
	require.Error(t, err)
	_, err = client.Do(context.Background(), Request{Path: "/x"})

	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, int32(5), atomic.LoadInt32(hits))
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	srv, hits := scriptedServer(t, vehicleBody,
		http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable,
		http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	clock := &manualClock{now: time.Now()}
	client := newTestClient(t, srv.URL, clock, &recordedSleeps{})
	vehicles := NewVehicleClient(client)

	vehicles.GetVehicle(context.Background(), "v1")
	vehicles.GetVehicle(context.Background(), "v1")
	require.Equal(t, resilience.StateOpen, client.Breaker().State())
	require.Equal(t, int32(5), atomic.LoadInt32(hits))

	clock.Advance(30 * time.Second)
	result := vehicles.GetVehicle(context.Background(), "v1")

	require.True(t, result.IsOK(), result.Reason)
	assert.Equal(t, int32(6), atomic.LoadInt32(hits))
	snap := client.Breaker().Snapshot()
	assert.Equal(t, resilience.StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestTransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	sleeps := &recordedSleeps{}
	client := newTestClient(t, url, &manualClock{now: time.Now()}, sleeps)

	_, err := client.Do(context.Background(), Request{Path: "/health"})

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Zero(t, reqErr.StatusCode)
	assert.Equal(t, 3, reqErr.Attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeps.Delays())
}

func TestShortBackoffScheduleReusesLastEntry(t *testing.T) {
	srv, hits := scriptedServer(t, "", http.StatusServiceUnavailable)
	cfg := testClientConfig(srv.URL)
	cfg.MaxAttempts = 4
	cfg.Backoff = []time.Duration{100 * time.Millisecond}
	cfg.FailureThreshold = 10
	sleeps := &recordedSleeps{}
	client := NewResilientClient("vehicles", cfg, nil, WithSleep(sleeps.Sleep))

	_, err := client.Do(context.Background(), Request{Path: "/x"})

	require.Error(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(hits))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}, sleeps.Delays())
}

func TestCanceledContextDoesNotCountAgainstBreaker(t *testing.T) {
	srv, _ := scriptedServer(t, vehicleBody, http.StatusOK)
	client := newTestClient(t, srv.URL, &manualClock{now: time.Now()}, &recordedSleeps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Do(ctx, Request{Path: "/api/vehicles/v1"})

	require.Error(t, err)
	assert.Equal(t, 0, client.Breaker().Snapshot().FailureCount)
}

func TestHealthCheckDoesNotRetry(t *testing.T) {
	srv, hits := scriptedServer(t, `{"status":"ok"}`, http.StatusServiceUnavailable, http.StatusOK)
	sleeps := &recordedSleeps{}
	client := newTestClient(t, srv.URL, &manualClock{now: time.Now()}, sleeps)
	vehicles := NewVehicleClient(client)

	result := vehicles.HealthCheck(context.Background())
	assert.True(t, result.IsUnavailable())
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Empty(t, sleeps.Delays())

	result = vehicles.HealthCheck(context.Background())
	assert.True(t, result.IsOK())
	assert.True(t, result.Value)
}

func TestUnconfiguredClientIsUnavailable(t *testing.T) {
	sleeps := &recordedSleeps{}
	client := newTestClient(t, "", &manualClock{now: time.Now()}, sleeps)
	assert.False(t, client.Configured())

	result := NewCityClient(client).FetchCity(context.Background(), "c1")
	assert.True(t, result.IsUnavailable())
	assert.True(t, errors.Is(result.Err, ErrNotConfigured))
	assert.Equal(t, 0, client.Breaker().Snapshot().FailureCount)
	assert.Empty(t, sleeps.Delays())
}

func TestInterruptedBackoffKeepsAttemptCause(t *testing.T) {
	srv, hits := scriptedServer(t, "", http.StatusServiceUnavailable)
	cfg := testClientConfig(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelDuringWait := func(waitCtx context.Context, _ time.Duration) error {
		cancel()
		return waitCtx.Err()
	}
	client := NewResilientClient("vehicles", cfg, nil, WithSleep(cancelDuringWait), WithHTTPClient(http.DefaultClient))

	_, err := client.Do(ctx, Request{Path: "/api/vehicles/v1"})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusServiceUnavailable, reqErr.StatusCode)
	assert.Equal(t, 1, reqErr.Attempts)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "backoff interrupted")
}

func TestLateSuccessDoesNotCloseTrippedBreaker(t *testing.T) {
	release := make(chan struct{})
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			<-release
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(vehicleBody))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := testClientConfig(srv.URL)
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 2
	client := NewResilientClient("vehicles", cfg, nil, WithSleep((&recordedSleeps{}).Sleep), WithHTTPClient(http.DefaultClient))

	slow := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), Request{Path: "/api/vehicles/v1"})
		slow <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := client.Do(context.Background(), Request{Path: "/api/vehicles/v1"})
		require.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, client.Breaker().State())

	close(release)
	require.NoError(t, <-slow)
	assert.Equal(t, resilience.StateOpen, client.Breaker().State())
}
