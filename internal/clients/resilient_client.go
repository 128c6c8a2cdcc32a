package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/citysync/config"
	"example.com/backstage/services/citysync/internal/resilience"
)

// Client defaults
const (
	DefaultTimeout       = 10 * time.Second
	DefaultHealthTimeout = 3 * time.Second
	DefaultMaxAttempts   = 3
)

// DefaultBackoff is indexed by attempt number, it is not computed
var DefaultBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Re-exported so callers only need this package
var ErrCircuitOpen = resilience.ErrCircuitOpen

// ErrNotConfigured is returned when a dependency has no base URL
var ErrNotConfigured = errors.New("dependency base URL is not configured")

// CircuitOpenError is returned when the breaker rejects a call
type CircuitOpenError = resilience.CircuitOpenError

// maxErrorBody bounds how much of a failed response body is kept on RequestError
const maxErrorBody = 512

// RequestError is the normalized failure of an outbound call
type RequestError struct {
	Dependency string
	Method     string
	Path       string
	StatusCode int
	Attempts   int
	Body       string
	Err        error

	// Interrupted is set when the caller's context ended during a backoff wait.
	// Err keeps the failure of the last attempt.
	Interrupted error
}

func (e *RequestError) Error() string {
	if e.Interrupted != nil {
		return fmt.Sprintf("%s; backoff interrupted: %v", e.describe(), e.Interrupted)
	}
	return e.describe()
}

func (e *RequestError) describe() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s %s: status %d after %d attempt(s)", e.Dependency, e.Method, e.Path, e.StatusCode, e.Attempts)
	case e.Err != nil:
		return fmt.Sprintf("%s %s %s: %v after %d attempt(s)", e.Dependency, e.Method, e.Path, e.Err, e.Attempts)
	}
	return fmt.Sprintf("%s %s %s: request failed", e.Dependency, e.Method, e.Path)
}

// Unwrap exposes both the attempt failure and the interruption to errors.Is/As
func (e *RequestError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Interrupted != nil {
		errs = append(errs, e.Interrupted)
	}
	return errs
}

// Retryable reports whether another attempt could succeed.
// Transport errors, timeouts and 5xx are retryable, 4xx are not.
func (e *RequestError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError
}

// NotFound reports a 404 from the dependency
func (e *RequestError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Timeout reports whether the attempt hit its deadline
func (e *RequestError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Request describes one outbound call
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
}

// Response is a successful outbound response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Observer receives one callback per attempt
type Observer interface {
	ObserveAttempt(dependency, outcome string, duration time.Duration)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a ResilientClient
type Option func(*ResilientClient)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(rc *ResilientClient) { rc.httpClient = c }
}

// WithSleep replaces the backoff sleeper
func WithSleep(fn SleepFunc) Option {
	return func(rc *ResilientClient) { rc.sleep = fn }
}

// WithObserver records attempt outcomes, typically into metrics
func WithObserver(o Observer) Option {
	return func(rc *ResilientClient) { rc.observer = o }
}

// ResilientClient performs outbound calls with bounded retry, routed through
// the dependency's circuit breaker.
type ResilientClient struct {
	name          string
	baseURL       string
	timeout       time.Duration
	healthTimeout time.Duration
	maxAttempts   int
	backoff       []time.Duration
	breaker       *resilience.CircuitBreaker
	httpClient    *http.Client
	sleep         SleepFunc
	observer      Observer
}

// NewResilientClient creates a client for one dependency
func NewResilientClient(name string, cfg config.ClientConfig, breaker *resilience.CircuitBreaker, opts ...Option) *ResilientClient {
	c := &ResilientClient{
		name:          name,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		timeout:       cfg.Timeout,
		healthTimeout: cfg.HealthTimeout,
		maxAttempts:   cfg.MaxAttempts,
		backoff:       cfg.Backoff,
		breaker:       breaker,
		sleep:         sleepContext,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.healthTimeout <= 0 {
		c.healthTimeout = DefaultHealthTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if len(c.backoff) == 0 {
		c.backoff = DefaultBackoff
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.Settings{
			Name:             name,
			FailureThreshold: cfg.FailureThreshold,
			Cooldown:         cfg.Cooldown,
		})
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient()
	}
	return c
}

// newHTTPClient returns a pooled client instrumented for New Relic external segments.
// Per-attempt deadlines come from the request context.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: newrelic.NewRoundTripper(transport)}
}

// Name returns the dependency name
func (c *ResilientClient) Name() string {
	return c.name
}

// Breaker returns the breaker guarding this client
func (c *ResilientClient) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Configured reports whether a base URL is set
func (c *ResilientClient) Configured() bool {
	return c.baseURL != ""
}

// Do runs req with retry. The breaker is consulted before every attempt, so a
// breaker that opens mid-sequence stops the remaining retries.
func (c *ResilientClient) Do(ctx context.Context, req Request) (*Response, error) {
	if !c.Configured() {
		return nil, &RequestError{Dependency: c.name, Method: req.Method, Path: req.Path, Err: ErrNotConfigured}
	}

	var lastErr *RequestError

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		generation, err := c.breaker.Allow()
		if err != nil {
			log.Debug().Str("dependency", c.name).Int("attempt", attempt).Err(err).Msg("Call rejected by circuit breaker")
			return nil, err
		}

		resp, reqErr := c.attempt(ctx, req, c.timeout)
		if reqErr == nil {
			c.breaker.RecordSuccess(generation)
			return resp, nil
		}
		reqErr.Attempts = attempt

		if ctx.Err() != nil {
			// Caller gave up; this says nothing about the dependency
			c.breaker.Abort(generation)
			return nil, reqErr
		}

		c.breaker.RecordFailure(generation)
		lastErr = reqErr

		if !reqErr.Retryable() || attempt == c.maxAttempts {
			break
		}

		delay := c.delay(attempt)
		log.Warn().
			Str("dependency", c.name).
			Str("path", req.Path).
			Int("attempt", attempt).
			Int("status", reqErr.StatusCode).
			Dur("backoff", delay).
			Err(reqErr.Err).
			Msg("Outbound call failed, retrying")

		if err := c.sleep(ctx, delay); err != nil {
			lastErr.Interrupted = err
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// Probe performs a single breaker-gated attempt with the health timeout
func (c *ResilientClient) Probe(ctx context.Context, path string) error {
	if !c.Configured() {
		return &RequestError{Dependency: c.name, Method: http.MethodGet, Path: path, Err: ErrNotConfigured}
	}
	generation, err := c.breaker.Allow()
	if err != nil {
		return err
	}

	_, reqErr := c.attempt(ctx, Request{Method: http.MethodGet, Path: path}, c.healthTimeout)
	if reqErr == nil {
		c.breaker.RecordSuccess(generation)
		return nil
	}
	reqErr.Attempts = 1

	if ctx.Err() != nil {
		c.breaker.Abort(generation)
	} else {
		c.breaker.RecordFailure(generation)
	}
	return reqErr
}

// GetJSON issues a GET and decodes the response body into out
func (c *ResilientClient) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", c.name)
	}
	return nil
}

func (c *ResilientClient) delay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(c.backoff) {
		idx = len(c.backoff) - 1
	}
	return c.backoff[idx]
}

func (c *ResilientClient) attempt(ctx context.Context, req Request, timeout time.Duration) (*Response, *RequestError) {
	reqErr := &RequestError{Dependency: c.name, Method: req.Method, Path: req.Path}
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.newRequest(attemptCtx, req)
	if err != nil {
		reqErr.Err = err
		c.observe("error", start)
		return nil, reqErr
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		reqErr.Err = err
		if reqErr.Timeout() {
			c.observe("timeout", start)
		} else {
			c.observe("error", start)
		}
		return nil, reqErr
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		reqErr.Err = errors.Wrap(err, "failed to read response body")
		c.observe("error", start)
		return nil, reqErr
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		reqErr.StatusCode = httpResp.StatusCode
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		reqErr.Body = string(body)
		c.observe(fmt.Sprintf("%dxx", httpResp.StatusCode/100), start)
		return nil, reqErr
	}

	c.observe("success", start)
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

func (c *ResilientClient) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func (c *ResilientClient) observe(outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveAttempt(c.name, outcome, time.Since(start))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
