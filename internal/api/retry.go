package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry policy: 3 attempts total with exponential delays starting at 1s.
const (
	maxAttempts   = 3
	retryCeiling  = 30 * time.Second
	probeAttempts = 2
)

// var so tests can shrink the delays
var retryBase = 1 * time.Second

// Get fetches an endpoint with retry and cache fallback. The bool result is
// true when the payload came from the cache rather than a fresh response.
//
// Auth and rate-limit failures propagate immediately, without retries and
// without touching the cache. Other failures are retried; once retries are
// exhausted the most recent cached response is returned if it is younger
// than the validity window, otherwise the terminal error propagates.
func (c *Client) Get(ctx context.Context, endpoint string) (json.RawMessage, bool, error) {
	data, err := c.fetchWithRetry(ctx, endpoint, maxAttempts)
	if err == nil {
		c.cache.put(endpoint, data)
		return data, false, nil
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrRateLimited) {
		return nil, false, err
	}
	if cached, ok := c.cache.get(endpoint); ok {
		c.log.Debug().Str("endpoint", endpoint).Err(err).
			Msg("request failed, serving cached response")
		return cached, true, nil
	}
	return nil, false, err
}

// Probe checks connectivity with a shorter retry budget, for setup-time
// feedback. No cache fallback.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.fetchWithRetry(ctx, EndpointStatus, probeAttempts)
	return err
}

func (c *Client) fetchWithRetry(ctx context.Context, endpoint string, attempts uint) (json.RawMessage, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.Multiplier = 2
	bo.MaxInterval = retryCeiling

	attempt := 0
	op := func() (json.RawMessage, error) {
		attempt++
		data, err := c.fetch(ctx, endpoint)
		if err != nil {
			if errors.Is(err, ErrAuth) || errors.Is(err, ErrRateLimited) {
				return nil, backoff.Permanent(err)
			}
			c.log.Debug().Str("endpoint", endpoint).Int("attempt", attempt).Err(err).
				Msg("request failed")
			return nil, err
		}
		return data, nil
	}

	return backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(attempts))
}
