package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

var (
	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
	errCircuitOpen = errors.New("circuit breaker open")
)

// permanentError marks 4xx responses that must not be retried.
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("permanent upstream error: status %d", e.status)
}

// retryAfterError carries the server-advised wait for a 429.
type retryAfterError struct {
	wait time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.wait)
}

// doWithResilience executes the request with exponential backoff, jitter,
// Retry-After handling and the circuit breaker. Timeouts and 5xx are
// retried up to MaxRetries; 429 is retried once after the advised wait;
// other 4xx fail immediately.
func (c *Client) doWithResilience(ctx context.Context, buildRequest func() (*http.Request, error)) (*http.Response, error) {
	var attempt int
	var rateLimitRetried bool
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, execErr := c.http.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				wait := parseRetryAfter(resp.Header.Get("Retry-After"), c.backoff.MaxRetryAfter)
				resp.Body.Close()
				return nil, &retryAfterError{wait: wait}
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: status %d", errServerError, resp.StatusCode)
			case resp.StatusCode >= 400:
				status := resp.StatusCode
				resp.Body.Close()
				return nil, &permanentError{status: status}
			}

			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.RecordFetchError("circuit_open")
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			c.metrics.RecordFetchError("permanent")
			return nil, perm
		}

		var rl *retryAfterError
		if errors.As(err, &rl) {
			if rateLimitRetried {
				c.metrics.RecordFetchError("rate_limited")
				return nil, fmt.Errorf("%w after retry", errRateLimited)
			}
			rateLimitRetried = true
			if err := sleepCtx(ctx, rl.wait); err != nil {
				return nil, err
			}
			continue
		}

		c.metrics.RecordFetchError("transient")
		lastErr = err
		if attempt >= c.backoff.MaxRetries {
			return nil, lastErr
		}

		delay := c.backoff.InitialInterval << attempt
		// Jitter of up to 25% avoids synchronized retries across stations.
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}

		attempt++
	}
}

// parseRetryAfter interprets the Retry-After header in seconds, capped.
func parseRetryAfter(header string, max time.Duration) time.Duration {
	if header == "" {
		return time.Second
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return time.Second
	}
	wait := time.Duration(secs) * time.Second
	if wait > max {
		wait = max
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
