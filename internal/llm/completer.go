package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/advisor-llm-bot/internal/models"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Completer sends a system+user exchange to a completion API
type Completer interface {
	Complete(ctx context.Context, req *models.CompletionRequest) *models.CompletionResult
	Provider() models.Provider
	Close() error
}

// backend performs a single completion attempt and returns the raw reply
type backend interface {
	generate(ctx context.Context, req *models.CompletionRequest) (string, error)
	model() string
}

// NewCompleter builds the completer selected by config.LLMProvider
func NewCompleter(config *models.BotConfig, logger zerolog.Logger) (Completer, error) {
	switch models.Provider(config.LLMProvider) {
	case models.ProviderGemini:
		return NewClient(config.GeminiAPIKey, config.LLMTimeout, config, logger), nil
	case models.ProviderOpenAI:
		return NewOpenAIClient(config, logger), nil
	}
	return nil, fmt.Errorf("unknown LLM provider %q", config.LLMProvider)
}

// runner holds the retry and timeout logic shared by backends
type runner struct {
	timeout time.Duration
	backoff time.Duration
	logger  zerolog.Logger
}

// complete runs b with a bounded timeout, retrying transient failures
// with exponential backoff. Rate limiting is never retried.
func (r *runner) complete(ctx context.Context, b backend, req *models.CompletionRequest) *models.CompletionResult {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := r.completeWithRetry(ctx, b, req)
	result.ExecutionTimeMs = int(time.Since(startTime).Milliseconds())

	return result
}

func (r *runner) completeWithRetry(ctx context.Context, b backend, req *models.CompletionRequest) *models.CompletionResult {
	var lastError error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// 1s, 2s, 4s with the default base
			backoff := r.backoff * time.Duration(1<<uint(attempt-1))
			r.logger.Warn().
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Int64("user_id", req.UserID).
				Msg("Retrying completion request")

			select {
			case <-ctx.Done():
				return &models.CompletionResult{
					ModelUsed: b.model(),
					Err:       fmt.Errorf("%w: %v", models.ErrUpstream, ctx.Err()),
				}
			case <-time.After(backoff):
			}
		}

		text, err := b.generate(ctx, req)
		if err == nil {
			text, cut := truncate(text)
			if cut {
				r.logger.Warn().
					Int64("user_id", req.UserID).
					Str("model", b.model()).
					Msg("Response truncated to fit Telegram limit")
			}

			r.logger.Info().
				Int64("user_id", req.UserID).
				Int64("chat_id", req.ChatID).
				Str("model", b.model()).
				Int("response_length", len([]rune(text))).
				Msg("Completion generated successfully")

			return &models.CompletionResult{
				Text:      text,
				ModelUsed: b.model(),
				Length:    len([]rune(text)),
			}
		}

		lastError = err
		r.logger.Error().
			Err(err).
			Int("attempt", attempt+1).
			Int64("user_id", req.UserID).
			Str("model", b.model()).
			Msg("Completion request failed")

		if errors.Is(err, models.ErrUpstreamRateLimited) {
			return &models.CompletionResult{ModelUsed: b.model(), Err: err}
		}
		if ctx.Err() != nil {
			break
		}
	}

	return &models.CompletionResult{
		ModelUsed: b.model(),
		Err:       fmt.Errorf("%w: failed after retries: %v", models.ErrUpstream, lastError),
	}
}

// isRateLimited recognizes 429 and quota signals from Google APIs
func isRateLimited(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.ResourceExhausted {
		return true
	}
	return false
}
