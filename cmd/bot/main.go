package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/advisor-llm-bot/internal/bot"
	"github.com/advisor-llm-bot/internal/config"
	"github.com/advisor-llm-bot/internal/dispatcher"
	"github.com/advisor-llm-bot/internal/ledger"
	"github.com/advisor-llm-bot/internal/llm"
	"github.com/advisor-llm-bot/internal/metrics"
	"github.com/advisor-llm-bot/internal/profiles"
	"github.com/advisor-llm-bot/internal/ratelimit"
	"github.com/advisor-llm-bot/internal/scheduler"
	"github.com/advisor-llm-bot/internal/session"
	"github.com/advisor-llm-bot/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("provider", cfg.LLMProvider.String()).
		Int("quota_requests", cfg.QuotaRequests).
		Int("quota_window_hours", cfg.QuotaWindowHours).
		Bool("redis_sessions", cfg.RedisURL != "").
		Bool("request_log", cfg.HasSupabase()).
		Msg("Starting advisor bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbTimeout := time.Duration(cfg.DBTimeout) * time.Second

	// Advisor profiles
	logger.Info().Str("path", cfg.AdvisorsPath).Msg("Loading advisor profiles...")
	store, err := profiles.Load(cfg.AdvisorsPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load advisor profiles")
	}

	// Usage ledger
	logger.Info().Msg("Connecting to ledger database...")
	db, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL, dbTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get database handle")
	}
	defer sqlDB.Close()

	usage := ledger.New(db, ledger.Policy{
		Requests: cfg.QuotaRequests,
		Window:   cfg.QuotaWindow(),
	}, cfg.AdminUserIDs, dbTimeout, logger)

	healthChecks := map[string]metrics.HealthCheck{
		"database": sqlDB.PingContext,
	}

	// Sessions
	var sessionStore session.Store = session.NewMemoryStore()
	if cfg.RedisURL != "" {
		logger.Info().Msg("Connecting to Redis session store...")
		redisClient, err := session.NewRedisClient(ctx, cfg.RedisURL, dbTimeout)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()

		ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
		sessionStore = session.NewRedisStore(redisClient, ttl, logger)
		healthChecks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	router := session.NewRouter(sessionStore, logger)

	// Request log
	var requests *storage.Client
	if cfg.HasSupabase() {
		logger.Info().Msg("Initializing Supabase client...")
		requests, err = storage.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseTimeout, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create storage client")
		}
		if err := requests.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Supabase")
		}
		logger.Info().Msg("Supabase connection successful")
	}

	// Completion API
	logger.Info().Str("provider", cfg.LLMProvider.String()).Msg("Initializing completion client...")
	completer, err := llm.NewCompleter(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create completion client")
	}
	defer func() {
		if err := completer.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close completion client")
		}
	}()

	// Metrics
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	metricsServer := metrics.NewServer(cfg.MetricsAddr, registry, healthChecks, logger)
	metricsServer.Start()

	var requestLog dispatcher.RequestLogger
	var requestStats bot.RequestStats
	if requests != nil {
		requestLog = requests
		requestStats = requests
	}

	d := dispatcher.New(store, usage, router, completer, requestLog, m, logger)
	flood := ratelimit.NewLimiter(cfg.UserRatePerSec, cfg.AdminUserIDs, logger)

	logger.Info().Msg("Initializing Telegram bot...")
	telegramBot, err := bot.New(cfg, bot.Deps{
		Dispatcher: d,
		Ledger:     usage,
		Sessions:   router,
		Requests:   requestStats,
		Flood:      flood,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create bot")
	}

	logger.Info().
		Str("username", telegramBot.GetUsername()).
		Int("advisors", store.Len()).
		Msg("Bot initialized successfully")

	sched, err := scheduler.NewScheduler(usage, flood, m, telegramBot.SendReport, cfg.AdminUserIDs, cfg.Timezone, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create scheduler")
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Scheduler stopped with error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	botDone := make(chan error, 1)
	go func() {
		botDone <- telegramBot.Start(ctx)
	}()

	logger.Info().Msg("Bot is running. Press Ctrl+C to stop.")

	botStopped := false
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
	case err := <-botDone:
		botStopped = true
		if err != nil {
			logger.Error().Err(err).Msg("Bot stopped with error")
		}
	}

	logger.Info().Msg("Initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Start waits for in-flight handlers once ctx is cancelled.
	if !botStopped {
		select {
		case <-botDone:
			logger.Info().Msg("Graceful shutdown completed")
		case <-shutdownCtx.Done():
			logger.Warn().Msg("Shutdown timeout exceeded, some requests may be lost")
		}
	}

	if err := d.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Request log writes still pending at shutdown")
	}

	<-schedDone
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop metrics server")
	}

	logger.Info().Msg("Bot stopped")
}

// setupLogger configures and returns a zerolog logger
func setupLogger(level, environment string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	return logger
}
