// Package storage writes the request audit log to Supabase.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	supa "github.com/supabase-community/supabase-go"
)

const (
	tableRequestLogs = "request_logs"

	// maxAttempts bounds withRetry, first try included
	maxAttempts = 3
)

// Client writes and counts request log rows through the Supabase REST API.
// Every call is bounded by timeout, retries included.
type Client struct {
	client  *supa.Client
	timeout time.Duration
	backoff time.Duration
	logger  zerolog.Logger
}

// NewClient creates a request log client; timeout is in seconds
func NewClient(supabaseURL, supabaseKey string, timeout int, logger zerolog.Logger) (*Client, error) {
	client, err := supa.NewClient(supabaseURL, supabaseKey, &supa.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{
		client:  client,
		timeout: time.Duration(timeout) * time.Second,
		backoff: 500 * time.Millisecond,
		logger:  logger.With().Str("component", "request_log").Logger(),
	}, nil
}

// Ping reads one row of request_logs to check URL, key and table
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.execute(ctx, func() (int64, error) {
		_, _, err := c.client.From(tableRequestLogs).
			Select("id", "exact", false).
			Limit(1, "").
			Execute()
		return 0, err
	})
	if err != nil {
		return fmt.Errorf("supabase ping failed: %w", err)
	}

	c.logger.Debug().Msg("Supabase connection successful")
	return nil
}

type result struct {
	count int64
	err   error
}

// execute runs one postgrest call and gives up when ctx is done. postgrest
// builds its requests without a context, so an abandoned call finishes in
// the background and its result is dropped.
func (c *Client) execute(ctx context.Context, call func() (int64, error)) (int64, error) {
	done := make(chan result, 1)
	go func() {
		count, err := call()
		done <- result{count: count, err: err}
	}()

	select {
	case r := <-done:
		return r.count, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// withRetry runs fn up to maxAttempts times with linear backoff, stopping
// as soon as ctx is done
func (c *Client) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * c.backoff
			c.logger.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying operation")

			select {
			case <-ctx.Done():
				return fmt.Errorf("operation %s: %w", operation, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("operation %s timed out after %d attempts: %w", operation, attempt, lastErr)
		}

		c.logger.Warn().
			Err(lastErr).
			Str("operation", operation).
			Int("attempt", attempt).
			Msg("Operation failed")
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, maxAttempts, lastErr)
}
