// Package remote wraps a single outbound HTTP call with timeout, circuit
// breaker gating and exponential-backoff retry. The same client is shared
// by REST-style and RPC-style (GraphQL) callers; only the body shape and an
// optional response inspector differ.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/conveyorhq/conveyor/pkg/breaker"
	"github.com/conveyorhq/conveyor/pkg/obs"
)

// FetchRequest describes one outbound call.
type FetchRequest struct {
	Endpoint   string
	Method     string
	Headers    map[string]string
	Body       []byte
	Timeout    time.Duration
	CircuitKey string

	// Inspect, when non-nil, examines a transport-level success (2xx) and
	// may reject it (e.g. application errors embedded in a 200 body). A
	// rejection also records a breaker failure.
	Inspect func(status int, body []byte) error
}

// FetchResult is the typed outcome of a call. Failures are reported as
// values, not errors, so callers can keep processing.
type FetchResult struct {
	OK          bool
	Status      int
	Body        []byte
	Err         string
	CircuitOpen bool
	TimedOut    bool

	// Cause carries the typed error behind Err, when there is one. The
	// retry loop consults it through Retryable to stop early on failures
	// that repeating the call cannot fix (4xx, application rejections).
	Cause error
}

// Client issues resilient outbound calls. All fields are optional except
// Breaker; a nil HTTP client falls back to http.DefaultClient.
type Client struct {
	HTTP    *http.Client
	Breaker *breaker.Breaker
	Tracker *obs.SpanTracker
	Metrics *obs.Metrics
	Logger  *slog.Logger
}

// NewClient creates a Client over the given breaker.
func NewClient(b *breaker.Breaker, tracker *obs.SpanTracker, metrics *obs.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		HTTP:    &http.Client{},
		Breaker: b,
		Tracker: tracker,
		Metrics: metrics,
		Logger:  logger,
	}
}

// CircuitKeyFor derives a breaker key from an endpoint URL (its host). An
// unparseable endpoint is its own key.
func CircuitKeyFor(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

// DoFetch performs one attempt of the request, consulting the breaker
// before the call and recording the outcome after it.
func (c *Client) DoFetch(ctx context.Context, req FetchRequest) FetchResult {
	key := req.CircuitKey
	if key == "" {
		key = CircuitKeyFor(req.Endpoint)
	}

	if c.Breaker != nil && !c.Breaker.CanExecute(key) {
		c.count("remote_circuit_rejected", key)
		coErr := &CircuitOpenError{CallError{Message: fmt.Sprintf("circuit open for %s", key)}}
		return FetchResult{Err: coErr.Error(), CircuitOpen: true, Cause: coErr}
	}

	var spanID string
	if c.Tracker != nil {
		spanID = c.Tracker.StartSpan("remote.fetch", map[string]any{
			"endpoint": req.Endpoint,
			"method":   req.Method,
		}, "")
	}
	start := time.Now()
	res := c.doAttempt(ctx, key, req)
	c.observe(key, res, time.Since(start))
	if c.Tracker != nil {
		status := obs.StatusOK
		if !res.OK {
			status = obs.StatusError
		}
		c.Tracker.EndSpan(spanID, status)
	}
	return res
}

func (c *Client) doAttempt(ctx context.Context, key string, req FetchRequest) FetchResult {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.Endpoint, bodyReader)
	if err != nil {
		buildErr := &CallError{Message: "build request", Cause: err}
		return FetchResult{Err: buildErr.Error(), Cause: buildErr}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure(key)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			toErr := &TimeoutError{CallError{Message: fmt.Sprintf("request to %s timed out after %s", req.Endpoint, req.Timeout)}}
			return FetchResult{Err: toErr.Error(), TimedOut: true, Cause: toErr}
		}
		trErr := &TransportError{CallError{Message: "request failed", Cause: err}}
		return FetchResult{Err: trErr.Error(), Cause: trErr}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure(key)
		trErr := &TransportError{CallError{Status: resp.StatusCode, Message: "read response body", Cause: err}}
		return FetchResult{Status: resp.StatusCode, Err: trErr.Error(), Cause: trErr}
	}

	switch {
	case resp.StatusCode >= 500:
		c.recordFailure(key)
		srvErr := &ServerError{CallError{Status: resp.StatusCode, Message: fmt.Sprintf("server error from %s", req.Endpoint)}}
		return FetchResult{Status: resp.StatusCode, Body: body, Err: srvErr.Error(), Cause: srvErr}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if req.Inspect != nil {
			if inspErr := req.Inspect(resp.StatusCode, body); inspErr != nil {
				c.recordFailure(key)
				appErr := &AppError{CallError{Status: resp.StatusCode, Message: "application error", Cause: inspErr}}
				return FetchResult{Status: resp.StatusCode, Body: body, Err: appErr.Error(), Cause: appErr}
			}
		}
		if c.Breaker != nil {
			c.Breaker.RecordSuccess(key)
		}
		return FetchResult{OK: true, Status: resp.StatusCode, Body: body}
	default:
		// 4xx: the caller's fault, not the endpoint's health. No breaker
		// failure is recorded, and the retry loop gives up immediately.
		cliErr := &CallError{Status: resp.StatusCode,
			Message: fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, req.Endpoint)}
		return FetchResult{Status: resp.StatusCode, Body: body, Err: cliErr.Error(), Cause: cliErr}
	}
}

// Fetch performs the request with retries per policy. The attempt loop
// stops on success or as soon as the breaker reports open.
func (c *Client) Fetch(ctx context.Context, req FetchRequest, policy RetryPolicy) FetchResult {
	if req.Timeout == 0 {
		req.Timeout = policy.Timeout
	}
	return ExecWithRetry(ctx, policy, func(ctx context.Context) FetchResult {
		return c.DoFetch(ctx, req)
	})
}

func (c *Client) recordFailure(key string) {
	if c.Breaker != nil {
		c.Breaker.RecordFailure(key)
	}
}

func (c *Client) count(name, key string) {
	if c.Metrics != nil {
		c.Metrics.Counter(name).Inc(map[string]string{"key": key})
	}
}

func (c *Client) observe(key string, res FetchResult, elapsed time.Duration) {
	if c.Metrics == nil {
		return
	}
	outcome := "ok"
	if !res.OK {
		outcome = "fail"
	}
	labels := map[string]string{"key": key, "outcome": outcome}
	c.Metrics.Counter("remote_requests_total").Inc(labels)
	c.Metrics.Histogram("remote_request_ms").Observe(labels, float64(elapsed.Milliseconds()))
	if !res.OK {
		c.Logger.Debug("remote call failed", "key", key, "status", res.Status, "error", res.Err)
	}
}
