package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/advisor-llm-bot/internal/dispatcher"
	"github.com/advisor-llm-bot/internal/ledger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	msgUnknownCommand = "❓ Неизвестная команда. Используй /help для списка команд."
	msgThrottled      = "⏳ Не так быстро! Подожди пару секунд перед следующим сообщением."
	msgNotText        = "✍️ Я понимаю только текстовые сообщения."
	msgAdvisorCleared = "🔄 Советник сброшен. Выбери нового через /start."
	msgStatsError     = "❌ Ошибка при получении статистики"
)

// handleUpdate processes incoming update
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	b.recoverMiddleware(func() {
		if update.Message != nil {
			b.handleMessage(ctx, update.Message)
		}
	})
}

// handleMessage processes incoming message
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || message.Chat == nil {
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	if message.Text == "" {
		b.sendPlain(message.Chat.ID, msgNotText)
		return
	}

	b.handleText(ctx, message)
}

// handleCommand processes bot commands
func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	command := message.Command()

	b.logger.Info().
		Str("command", command).
		Int64("user_id", message.From.ID).
		Str("username", message.From.UserName).
		Msg("Received command")

	switch command {
	case "start":
		b.sendReply(message.Chat.ID, b.deps.Dispatcher.Menu())
	case "help":
		b.handleHelpCommand(message)
	case "info":
		b.sendReply(message.Chat.ID, b.deps.Dispatcher.Info(ctx, message.Chat.ID))
	case "stats":
		b.handleStatsCommand(ctx, message)
	case "reset_advisor":
		b.handleResetAdvisorCommand(ctx, message)
	case "grant", "reset", "usage", "summary", "promote", "demote":
		b.handleAdminCommand(ctx, command, message)
	default:
		b.sendPlain(message.Chat.ID, msgUnknownCommand)
	}
}

// handleText relays a plain message to the dispatcher
func (b *Bot) handleText(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	userID := message.From.ID

	if b.deps.Flood != nil && !b.deps.Flood.Allow(userID) {
		b.sendPlain(chatID, msgThrottled)
		return
	}

	b.sendTypingAction(chatID)

	reply := b.deps.Dispatcher.Handle(ctx, dispatcher.Inbound{
		ChatID:   chatID,
		UserID:   userID,
		Username: message.From.UserName,
		Text:     message.Text,
	})

	b.sendReply(chatID, reply)
}

// handleHelpCommand handles /help
func (b *Bot) handleHelpCommand(message *tgbotapi.Message) {
	policy := b.deps.Ledger.Policy()

	helpMsg := fmt.Sprintf(
		"👋 *Привет! Я бот-Советник*\n\n"+
			"*Как использовать:*\n"+
			"Выбери Советника через /start, затем просто задавай вопросы.\n"+
			"Чтобы сменить Советника, отправь его имя.\n\n"+
			"*Команды:*\n"+
			"/start - Выбрать Советника\n"+
			"/info - Приветствие текущего Советника\n"+
			"/stats - Твоя статистика\n"+
			"/reset\\_advisor - Сбросить Советника\n"+
			"/help - Показать это сообщение\n\n"+
			"*Бесплатный доступ:* %d сообщений в течение %d дн.",
		policy.Requests,
		int(policy.Window.Hours()/24),
	)

	b.sendMarkdown(message.Chat.ID, helpMsg)
}

// handleStatsCommand handles /stats
func (b *Bot) handleStatsCommand(ctx context.Context, message *tgbotapi.Message) {
	userID := message.From.ID

	rec, err := b.deps.Ledger.Get(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		rec = &ledger.UsageRecord{UserID: userID, FirstRequestAt: b.now()}
		err = nil
	}
	if err != nil {
		b.logger.Error().
			Err(err).
			Int64("user_id", userID).
			Msg("Failed to get user stats")
		b.sendPlain(message.Chat.ID, msgStatsError)
		return
	}

	title := message.From.FirstName
	if title == "" {
		title = message.From.UserName
	}

	b.sendMarkdown(message.Chat.ID, b.formatUsage(ctx, "📊 *Статистика для "+escapeMarkdown(title)+"*", rec))
}

// handleResetAdvisorCommand handles /reset_advisor
func (b *Bot) handleResetAdvisorCommand(ctx context.Context, message *tgbotapi.Message) {
	if err := b.deps.Sessions.Clear(ctx, message.Chat.ID); err != nil {
		b.logger.Error().
			Err(err).
			Int64("chat_id", message.Chat.ID).
			Msg("Failed to clear session")
		b.sendPlain(message.Chat.ID, "⚠️ Не удалось сбросить Советника. Попробуй позже.")
		return
	}
	b.sendPlain(message.Chat.ID, msgAdvisorCleared)
}

// formatUsage renders a usage record for /stats and /usage
func (b *Bot) formatUsage(ctx context.Context, title string, rec *ledger.UsageRecord) string {
	policy := b.deps.Ledger.Policy()
	now := b.now()

	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n\n")

	switch {
	case rec.IsAdmin || b.deps.Ledger.IsAdmin(rec.UserID):
		sb.WriteString("👑 Администратор: без ограничений\n")
		fmt.Fprintf(&sb, "📈 Сообщений: %d\n", rec.RequestCount)

	case rec.HasActiveTariff(now):
		expires, _ := rec.TariffExpiresAt()
		fmt.Fprintf(&sb, "💎 Тариф: %s\n", escapeMarkdown(rec.Tariff.String()))
		fmt.Fprintf(&sb, "⏰ Действует до: %s\n", expires.Format("02.01.2006"))
		if rec.Tariff.IsBasic() {
			advisors := "пока не выбраны"
			if len(rec.AllowedAdvisors) > 0 {
				advisors = escapeMarkdown(strings.Join(rec.AllowedAdvisors, ", "))
			}
			fmt.Fprintf(&sb, "🧭 Советники (%d/%d): %s\n", len(rec.AllowedAdvisors), ledger.MaxBasicAdvisors, advisors)
		}
		fmt.Fprintf(&sb, "📈 Сообщений: %d\n", rec.RequestCount)

	default:
		remaining := policy.Requests - rec.RequestCount
		if remaining < 0 || rec.Blocked {
			remaining = 0
		}
		fmt.Fprintf(&sb, "🆓 Бесплатный доступ\n")
		fmt.Fprintf(&sb, "   Использовано: %d/%d\n", rec.RequestCount, policy.Requests)
		fmt.Fprintf(&sb, "   Осталось: %d\n", remaining)

		left := rec.FirstRequestAt.Add(policy.Window).Sub(now)
		if rec.Blocked || left <= 0 {
			sb.WriteString("🚫 Лимит исчерпан\n")
		} else {
			fmt.Fprintf(&sb, "⏰ Период закончится через: %d ч.\n", int(left.Hours())+1)
		}
	}

	if b.deps.Requests != nil {
		total, err := b.deps.Requests.GetUserTotalRequests(ctx, rec.UserID)
		if err != nil {
			b.logger.Warn().
				Err(err).
				Int64("user_id", rec.UserID).
				Msg("Failed to get total requests, skipping")
		} else {
			fmt.Fprintf(&sb, "🗂 Всего запросов к Советникам: %d\n", total)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// escapeMarkdown escapes legacy Markdown control characters
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
