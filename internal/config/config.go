package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/advisor-llm-bot/internal/models"
	"github.com/joho/godotenv"
)

// Load loads configuration from environment variables
// It first attempts to load from .env file, then reads environment variables
func Load() (*models.BotConfig, error) {
	// Try to load .env file (optional, ignore error if not found)
	_ = godotenv.Load()

	adminIDs, err := parseInt64List(getEnv("ADMIN_USER_IDS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_USER_IDS: %w", err)
	}

	config := &models.BotConfig{
		// Telegram settings
		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminUserIDs:   adminIDs,
		UserRatePerSec: getEnvFloat("USER_RATE_PER_SEC", 1),

		// Advisor profiles
		AdvisorsPath: getEnv("ADVISORS_PATH", "./advisors"),

		// Completion API settings
		LLMProvider:   models.Provider(strings.ToLower(getEnv("LLM_PROVIDER", string(models.ProviderGemini)))),
		LLMTimeout:    getEnvInt("LLM_TIMEOUT", 60),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		LLMTemperature: float32(getEnvFloat("LLM_TEMPERATURE", 0.7)),
		LLMMaxTokens:   int32(getEnvInt("LLM_MAX_TOKENS", 2048)),

		// Usage ledger
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBTimeout:   getEnvInt("DB_TIMEOUT", 5),

		// Quota policy
		QuotaRequests:    getEnvInt("QUOTA_REQUESTS", 35),
		QuotaWindowHours: getEnvInt("QUOTA_WINDOW_HOURS", 168),

		// Sessions
		RedisURL:        getEnv("REDIS_URL", ""),
		SessionTTLHours: getEnvInt("SESSION_TTL_HOURS", 0),

		// Supabase request log
		SupabaseURL:     getEnv("SUPABASE_URL", ""),
		SupabaseKey:     getEnv("SUPABASE_KEY", ""),
		SupabaseTimeout: getEnvInt("SUPABASE_TIMEOUT", 10),

		// App settings
		Timezone:    getEnv("TIMEZONE", "Europe/Moscow"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Environment: getEnv("ENVIRONMENT", "production"),
		MetricsAddr: getEnv("METRICS_ADDR", ":8080"),
	}

	// Validate configuration
	if err := validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validate checks if all required configuration values are set
func validate(cfg *models.BotConfig) error {
	if cfg.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AdvisorsPath == "" {
		return fmt.Errorf("ADVISORS_PATH is required")
	}

	switch cfg.LLMProvider {
	case models.ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for provider %s", cfg.LLMProvider)
		}
	case models.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for provider %s", cfg.LLMProvider)
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of: gemini, openai; got %s", cfg.LLMProvider)
	}

	// Supabase is optional, but half a configuration is a mistake
	if (cfg.SupabaseURL == "") != (cfg.SupabaseKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY must be set together")
	}

	// Validate positive values
	if cfg.QuotaRequests <= 0 {
		return fmt.Errorf("QUOTA_REQUESTS must be positive, got %d", cfg.QuotaRequests)
	}
	if cfg.QuotaWindowHours <= 0 {
		return fmt.Errorf("QUOTA_WINDOW_HOURS must be positive, got %d", cfg.QuotaWindowHours)
	}
	if cfg.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive, got %d", cfg.LLMTimeout)
	}
	if cfg.DBTimeout <= 0 {
		return fmt.Errorf("DB_TIMEOUT must be positive, got %d", cfg.DBTimeout)
	}
	if cfg.SupabaseTimeout <= 0 {
		return fmt.Errorf("SUPABASE_TIMEOUT must be positive, got %d", cfg.SupabaseTimeout)
	}
	if cfg.UserRatePerSec <= 0 {
		return fmt.Errorf("USER_RATE_PER_SEC must be positive, got %v", cfg.UserRatePerSec)
	}
	if cfg.SessionTTLHours < 0 {
		return fmt.Errorf("SESSION_TTL_HOURS must not be negative, got %d", cfg.SessionTTLHours)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error; got %s", cfg.LogLevel)
	}

	return nil
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvFloat retrieves environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// parseInt64List parses a comma separated list of ids, e.g. "123, 456"
func parseInt64List(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a user id: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
