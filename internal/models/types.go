package models

import (
	"errors"
	"time"
)

// Provider identifies a completion API backend
type Provider string

const (
	// ProviderGemini uses Google Gemini via generative-ai-go
	ProviderGemini Provider = "gemini"

	// ProviderOpenAI uses any OpenAI-compatible chat completions endpoint
	// (OpenAI, OpenRouter, local gateways)
	ProviderOpenAI Provider = "openai"
)

// String returns string representation of Provider
func (p Provider) String() string {
	return string(p)
}

var (
	// ErrUpstreamRateLimited is wrapped by completion errors caused by a 429 / quota signal
	ErrUpstreamRateLimited = errors.New("completion api rate limited")

	// ErrUpstream is wrapped by every other completion failure
	ErrUpstream = errors.New("completion api failed")
)

// RequestLog represents a log entry for a user request
type RequestLog struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	Username        string    `json:"username,omitempty"`
	ChatID          int64     `json:"chat_id"`
	Advisor         string    `json:"advisor"`
	RequestText     string    `json:"request_text"`
	ResponseText    string    `json:"response_text"`
	ModelUsed       string    `json:"model_used"`
	ResponseLength  int       `json:"response_length"`
	ExecutionTimeMs int       `json:"execution_time_ms"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CompletionRequest represents a two-message exchange sent to the completion API
type CompletionRequest struct {
	UserID       int64
	ChatID       int64
	SystemPrompt string
	Text         string
}

// CompletionResult is either a reply text or an upstream error, never both
type CompletionResult struct {
	Text            string
	ModelUsed       string
	Length          int
	ExecutionTimeMs int
	Err             error
}

// OK reports whether the completion produced a reply
func (r *CompletionResult) OK() bool {
	return r != nil && r.Err == nil
}

// RateLimited reports whether the upstream asked us to slow down
func (r *CompletionResult) RateLimited() bool {
	return r != nil && errors.Is(r.Err, ErrUpstreamRateLimited)
}

// BotConfig represents bot configuration
type BotConfig struct {
	// Telegram settings
	TelegramToken  string
	AdminUserIDs   []int64
	UserRatePerSec float64

	// Advisor profiles
	AdvisorsPath string

	// Completion API settings
	LLMProvider   Provider
	LLMTimeout    int
	GeminiAPIKey  string
	GeminiModel   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// LLM Generation Parameters
	LLMTemperature float32
	LLMMaxTokens   int32

	// Usage ledger (Postgres)
	DatabaseURL string
	DBTimeout   int

	// Quota policy
	QuotaRequests    int
	QuotaWindowHours int

	// Sessions (optional Redis)
	RedisURL        string
	SessionTTLHours int

	// Supabase request log (optional)
	SupabaseURL     string
	SupabaseKey     string
	SupabaseTimeout int

	// App settings
	Timezone    string
	LogLevel    string
	Environment string
	MetricsAddr string
}

// IsAdmin checks if the given user ID is in the configured admin list
func (c *BotConfig) IsAdmin(userID int64) bool {
	for _, adminID := range c.AdminUserIDs {
		if adminID == userID {
			return true
		}
	}
	return false
}

// QuotaWindow returns the free-usage window as a duration
func (c *BotConfig) QuotaWindow() time.Duration {
	return time.Duration(c.QuotaWindowHours) * time.Hour
}

// HasSupabase reports whether the request log is configured
func (c *BotConfig) HasSupabase() bool {
	return c.SupabaseURL != "" && c.SupabaseKey != ""
}
