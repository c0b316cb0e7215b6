package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/advisor-llm-bot/internal/models"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
type OpenAIClient struct {
	client *openai.Client
	config *models.BotConfig
	runner runner
	logger zerolog.Logger
}

// NewOpenAIClient creates a client; OpenAIBaseURL switches to OpenRouter or a gateway
func NewOpenAIClient(config *models.BotConfig, logger zerolog.Logger) *OpenAIClient {
	logger = logger.With().Str("component", "llm").Str("provider", "openai").Logger()

	clientConfig := openai.DefaultConfig(config.OpenAIAPIKey)
	if config.OpenAIBaseURL != "" {
		clientConfig.BaseURL = config.OpenAIBaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		runner: runner{
			timeout: time.Duration(config.LLMTimeout) * time.Second,
			backoff: time.Second,
			logger:  logger,
		},
		logger: logger,
	}
}

// Provider returns models.ProviderOpenAI
func (c *OpenAIClient) Provider() models.Provider {
	return models.ProviderOpenAI
}

// Complete sends the advisor prompt and the user text as a two-message exchange
func (c *OpenAIClient) Complete(ctx context.Context, req *models.CompletionRequest) *models.CompletionResult {
	return c.runner.complete(ctx, c, req)
}

// Close is a no-op; the HTTP client holds no resources of its own
func (c *OpenAIClient) Close() error {
	return nil
}

func (c *OpenAIClient) model() string {
	return c.config.OpenAIModel
}

func (c *OpenAIClient) generate(ctx context.Context, req *models.CompletionRequest) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})

	c.logger.Debug().
		Int64("user_id", req.UserID).
		Str("model", c.config.OpenAIModel).
		Msg("Sending chat completion request")

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.config.OpenAIModel,
		Messages:    messages,
		Temperature: c.config.LLMTemperature,
		MaxTokens:   int(c.config.LLMMaxTokens),
	})
	if err != nil {
		if statusCode(err) == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %v", models.ErrUpstreamRateLimited, err)
		}
		return "", fmt.Errorf("%w: chat completion: %v", models.ErrUpstream, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", models.ErrUpstream)
	}

	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %v", models.ErrUpstream, errEmptyResponse)
	}
	return text, nil
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
