package remote

import (
	"context"
	"strconv"
	"time"
)

// RetryPolicy is the fully resolved retry configuration for a single call.
type RetryPolicy struct {
	Retries           int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration
	MaxBatchSize      int
}

// DefaultPolicy returns the hard defaults used when neither step nor run
// level configuration overrides a field.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:           3,
		RetryDelay:        time.Second,
		MaxRetryDelay:     30 * time.Second,
		BackoffMultiplier: 2,
		Timeout:           30 * time.Second,
		MaxBatchSize:      100,
	}
}

// ErrorHandlingConfig carries run-level overrides for retry behavior.
// A nil field means "not set at this level".
type ErrorHandlingConfig struct {
	MaxRetries        *int
	RetryDelay        *time.Duration
	MaxRetryDelay     *time.Duration
	BackoffMultiplier *float64
}

// ResolvePolicy computes the effective policy for a call: step-local
// attributes first, then the run-level error handling config, then the
// supplied defaults. The result is fully populated and computed once per
// call, never re-derived ad hoc.
func ResolvePolicy(stepAttrs map[string]string, run *ErrorHandlingConfig, defaults RetryPolicy) RetryPolicy {
	p := defaults

	if run != nil {
		if run.MaxRetries != nil {
			p.Retries = *run.MaxRetries
		}
		if run.RetryDelay != nil {
			p.RetryDelay = *run.RetryDelay
		}
		if run.MaxRetryDelay != nil {
			p.MaxRetryDelay = *run.MaxRetryDelay
		}
		if run.BackoffMultiplier != nil {
			p.BackoffMultiplier = *run.BackoffMultiplier
		}
	}

	if v, ok := stepAttrs["retries"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Retries = n
		}
	}
	if v, ok := stepAttrs["retry_delay"]; ok {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			p.RetryDelay = d
		}
	}
	if v, ok := stepAttrs["max_retry_delay"]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			p.MaxRetryDelay = d
		}
	}
	if v, ok := stepAttrs["backoff_multiplier"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
			p.BackoffMultiplier = f
		}
	}
	if v, ok := stepAttrs["timeout"]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			p.Timeout = d
		}
	}
	if v, ok := stepAttrs["batch_size"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.MaxBatchSize = n
		}
	}
	return p
}

// Backoff returns the delay before the given retry attempt (1-based):
// min(RetryDelay * BackoffMultiplier^(attempt-1), MaxRetryDelay).
func Backoff(p RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.RetryDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
		if time.Duration(d) >= p.MaxRetryDelay {
			return p.MaxRetryDelay
		}
	}
	if limit := float64(p.MaxRetryDelay); d > limit {
		d = limit
	}
	return time.Duration(d)
}

// ExecWithRetry invokes fn up to Retries+1 times, stopping immediately on
// success, on a circuit-open failure, or when the result carries a typed
// cause that Retryable rejects (4xx, application errors). Between attempts
// it sleeps the backoff delay, honoring context cancellation.
func ExecWithRetry(ctx context.Context, p RetryPolicy, fn func(context.Context) FetchResult) FetchResult {
	var last FetchResult
	attempts := p.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx)
		if last.OK || last.CircuitOpen {
			return last
		}
		if last.Cause != nil && !Retryable(last.Cause) {
			return last
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			last.Err = "cancelled: " + ctx.Err().Error()
			return last
		case <-time.After(Backoff(p, attempt)):
		}
	}
	return last
}
