package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/advisor-llm-bot/internal/models"
)

// LogRequest writes one completed turn to request_logs
func (c *Client) LogRequest(ctx context.Context, log *models.RequestLog) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	err := c.withRetry(ctx, "log_request", func() error {
		data := map[string]interface{}{
			"user_id":           log.UserID,
			"username":          log.Username,
			"chat_id":           log.ChatID,
			"advisor":           log.Advisor,
			"request_text":      log.RequestText,
			"response_text":     log.ResponseText,
			"model_used":        log.ModelUsed,
			"response_length":   log.ResponseLength,
			"execution_time_ms": log.ExecutionTimeMs,
			"error_message":     log.ErrorMessage,
			"created_at":        log.CreatedAt,
		}

		_, err := c.execute(ctx, func() (int64, error) {
			_, _, err := c.client.From(tableRequestLogs).
				Insert(data, false, "", "", "").
				Execute()
			return 0, err
		})
		if err != nil {
			return fmt.Errorf("failed to insert request log: %w", err)
		}
		return nil
	})

	if err != nil {
		c.logger.Error().
			Err(err).
			Int64("user_id", log.UserID).
			Str("advisor", log.Advisor).
			Msg("Failed to log request")
		return err
	}

	c.logger.Debug().
		Int64("user_id", log.UserID).
		Str("advisor", log.Advisor).
		Str("model", log.ModelUsed).
		Int("response_len", log.ResponseLength).
		Int("exec_time_ms", log.ExecutionTimeMs).
		Msg("Request logged successfully")

	return nil
}

// GetUserTotalRequests returns the number of logged turns of a user
func (c *Client) GetUserTotalRequests(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var count int64
	err := c.withRetry(ctx, "count_requests", func() error {
		n, err := c.execute(ctx, func() (int64, error) {
			_, n, err := c.client.From(tableRequestLogs).
				Select("id", "exact", false).
				Eq("user_id", strconv.FormatInt(userID, 10)).
				Execute()
			return n, err
		})
		count = n
		return err
	})
	if err != nil {
		c.logger.Error().
			Err(err).
			Int64("user_id", userID).
			Msg("Failed to get user total requests")
		return 0, fmt.Errorf("failed to get user total requests: %w", err)
	}

	return count, nil
}
