package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect creates a Redis client and verifies connectivity with a ping,
// retrying per the configured attempts and interval.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}
	opts, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToParseRedisConnString, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	client := redis.NewClient(opts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				client.Close()
				return nil, fmt.Errorf("%w: %w", ErrRedisNotReady, ctx.Err())
			case <-time.After(cfg.RetryInterval):
			}
		}
	}
	client.Close()
	return nil, fmt.Errorf("%w: %w", ErrRedisNotReady, lastErr)
}

// Healthcheck returns a probe suitable for readiness endpoints.
func Healthcheck(client *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrHealthcheckFailed, err)
		}
		return nil
	}
}
