package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/advisor-llm-bot/internal/models"
	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

var errEmptyResponse = errors.New("empty response")

// Client represents a Gemini completion client
type Client struct {
	apiKey      string
	config      *models.BotConfig
	runner      runner
	logger      zerolog.Logger
	genaiClient *genai.Client
	mu          sync.Mutex
}

// NewClient creates a new Gemini completion client
func NewClient(apiKey string, timeout int, config *models.BotConfig, logger zerolog.Logger) *Client {
	logger = logger.With().Str("component", "llm").Str("provider", "gemini").Logger()
	return &Client{
		apiKey: apiKey,
		config: config,
		runner: runner{
			timeout: time.Duration(timeout) * time.Second,
			backoff: time.Second,
			logger:  logger,
		},
		logger: logger,
	}
}

// getClient returns or creates a genai client (thread-safe)
func (c *Client) getClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.genaiClient != nil {
		return c.genaiClient, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c.genaiClient = client
	c.logger.Info().Msg("Gemini client created and cached")
	return c.genaiClient, nil
}

// Close closes the client and releases resources
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.genaiClient != nil {
		err := c.genaiClient.Close()
		c.genaiClient = nil
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to close Gemini client")
			return err
		}
		c.logger.Info().Msg("Gemini client closed")
	}
	return nil
}

// Provider returns models.ProviderGemini
func (c *Client) Provider() models.Provider {
	return models.ProviderGemini
}

// Complete sends the advisor prompt and the user text to Gemini
func (c *Client) Complete(ctx context.Context, req *models.CompletionRequest) *models.CompletionResult {
	return c.runner.complete(ctx, c, req)
}

func (c *Client) model() string {
	return c.config.GeminiModel
}

// generate makes the actual API call to Gemini
func (c *Client) generate(ctx context.Context, req *models.CompletionRequest) (string, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}

	model := client.GenerativeModel(c.config.GeminiModel)
	model.SetTemperature(c.config.LLMTemperature)
	model.SetMaxOutputTokens(c.config.LLMMaxTokens)
	if req.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}

	c.logger.Debug().
		Int64("user_id", req.UserID).
		Str("model", c.config.GeminiModel).
		Int("system_length", len(req.SystemPrompt)).
		Msg("Sending request to Gemini")

	resp, err := model.GenerateContent(ctx, genai.Text(req.Text))
	if err != nil {
		if isRateLimited(err) {
			return "", fmt.Errorf("%w: %v", models.ErrUpstreamRateLimited, err)
		}
		return "", fmt.Errorf("%w: failed to generate content: %v", models.ErrUpstream, err)
	}

	return extractText(resp)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no response candidates", models.ErrUpstream)
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no content parts in response", models.ErrUpstream)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", fmt.Errorf("%w: %v", models.ErrUpstream, errEmptyResponse)
	}

	return text.String(), nil
}
