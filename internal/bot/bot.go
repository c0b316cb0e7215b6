// Package bot is the Telegram transport: long polling, commands and keyboards.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/advisor-llm-bot/internal/dispatcher"
	"github.com/advisor-llm-bot/internal/ledger"
	"github.com/advisor-llm-bot/internal/models"
	"github.com/advisor-llm-bot/internal/ratelimit"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender delivers messages to Telegram; *tgbotapi.BotAPI implements it
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Dispatcher handles chat turns
type Dispatcher interface {
	Handle(ctx context.Context, in dispatcher.Inbound) dispatcher.Reply
	Info(ctx context.Context, chatID int64) dispatcher.Reply
	Menu() dispatcher.Reply
}

// Ledger is the part of the usage ledger the commands need
type Ledger interface {
	IsAdmin(userID int64) bool
	Policy() ledger.Policy
	Get(ctx context.Context, userID int64) (*ledger.UsageRecord, error)
	GrantTariff(ctx context.Context, userID int64, tariff ledger.Tariff, advisors []string, now time.Time) (*ledger.UsageRecord, error)
	Reset(ctx context.Context, userID int64, now time.Time) (*ledger.UsageRecord, error)
	Summarize(ctx context.Context) (*ledger.Summary, error)
	SetAdmin(ctx context.Context, userID int64, admin bool) error
}

// Sessions clears a chat's advisor
type Sessions interface {
	Clear(ctx context.Context, chatID int64) error
}

// RequestStats counts logged requests; optional
type RequestStats interface {
	GetUserTotalRequests(ctx context.Context, userID int64) (int64, error)
}

// Deps groups the bot's collaborators
type Deps struct {
	Dispatcher Dispatcher
	Ledger     Ledger
	Sessions   Sessions
	Requests   RequestStats
	Flood      *ratelimit.Limiter
}

// Bot represents the Telegram bot
type Bot struct {
	api    *tgbotapi.BotAPI
	sender Sender
	config *models.BotConfig
	deps   Deps
	now    func() time.Time
	logger zerolog.Logger
	wg     sync.WaitGroup // Tracks active handlers for graceful shutdown
}

// New creates a new bot instance
func New(config *models.BotConfig, deps Deps, logger zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(config.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	api.Debug = config.LogLevel == "debug"

	logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authorized")

	b := newBot(api, config, deps, logger)
	b.api = api
	return b, nil
}

func newBot(sender Sender, config *models.BotConfig, deps Deps, logger zerolog.Logger) *Bot {
	return &Bot{
		sender: sender,
		config: config,
		deps:   deps,
		now:    time.Now,
		logger: logger.With().Str("component", "bot").Logger(),
	}
}

// Start polls for updates until ctx is cancelled, then waits for
// in-flight handlers
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info().Msg("Starting bot...")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	b.logger.Info().Msg("Bot started, waiting for messages...")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Shutting down bot...")
			b.api.StopReceivingUpdates()

			b.logger.Info().Msg("Waiting for active handlers to complete...")
			b.wg.Wait()
			b.logger.Info().Msg("All handlers completed")

			return nil

		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			b.wg.Add(1)
			go func(upd tgbotapi.Update) {
				defer b.wg.Done()
				// Turns must finish even when shutdown starts mid-flight.
				b.handleUpdate(context.WithoutCancel(ctx), upd)
			}(update)
		}
	}
}

// Stop stops the bot
func (b *Bot) Stop() {
	b.logger.Info().Msg("Stopping bot...")
	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
}

// GetUsername returns bot username
func (b *Bot) GetUsername() string {
	if b.api == nil {
		return ""
	}
	return b.api.Self.UserName
}
