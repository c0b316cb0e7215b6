package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/advisor-llm-bot/internal/ledger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// commandTimeout bounds admin commands that touch the database
const commandTimeout = 10 * time.Second

const (
	msgAdminOnly  = "⛔ Команда доступна только администраторам."
	msgGrantUsage = "Использование: /grant <user_id> <тариф> [Советник,Советник]\nТарифы: basic_month, basic_year, extended_month, extended_year, none"
	msgResetUsage = "Использование: /reset <user_id>"
	msgUsageUsage = "Использование: /usage <user_id>"
	msgRoleUsage  = "Использование: /promote <user_id> или /demote <user_id>"
	msgOwnerOnly  = "⛔ Назначать администраторов могут только владельцы бота."
	msgAdminError = "❌ Не удалось выполнить команду. Подробности в логах."
)

// isAdmin checks the configured admin list, then the admin flag in the ledger
func (b *Bot) isAdmin(ctx context.Context, userID int64) bool {
	if b.deps.Ledger.IsAdmin(userID) {
		return true
	}
	rec, err := b.deps.Ledger.Get(ctx, userID)
	return err == nil && rec.IsAdmin
}

// handleAdminCommand handles /grant, /reset, /usage, /summary, /promote and /demote
func (b *Bot) handleAdminCommand(ctx context.Context, command string, message *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	chatID := message.Chat.ID
	if !b.isAdmin(ctx, message.From.ID) {
		b.logger.Warn().
			Int64("user_id", message.From.ID).
			Str("command", command).
			Msg("Admin command from non-admin")
		b.sendPlain(chatID, msgAdminOnly)
		return
	}

	args := strings.Fields(message.CommandArguments())

	switch command {
	case "grant":
		b.handleGrant(ctx, chatID, args)
	case "reset":
		b.handleReset(ctx, chatID, args)
	case "usage":
		b.handleUsage(ctx, chatID, args)
	case "summary":
		b.handleSummary(ctx, chatID)
	case "promote", "demote":
		b.handleRole(ctx, message.From.ID, chatID, args, command == "promote")
	}
}

func (b *Bot) handleGrant(ctx context.Context, chatID int64, args []string) {
	if len(args) < 2 || len(args) > 3 {
		b.sendPlain(chatID, msgGrantUsage)
		return
	}

	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.sendPlain(chatID, msgGrantUsage)
		return
	}

	tariff, err := ledger.ParseTariff(args[1])
	if err != nil {
		b.sendPlain(chatID, msgGrantUsage)
		return
	}

	var advisors []string
	if len(args) == 3 {
		for _, name := range strings.Split(args[2], ",") {
			if name = strings.ToUpper(strings.TrimSpace(name)); name != "" {
				advisors = append(advisors, name)
			}
		}
	}

	rec, err := b.deps.Ledger.GrantTariff(ctx, userID, tariff, advisors, b.now())
	if err != nil {
		var storageErr *ledger.StorageError
		if !errors.As(err, &storageErr) {
			b.sendPlain(chatID, "❌ "+err.Error())
			return
		}
		b.logger.Error().Err(err).Int64("target_user_id", userID).Msg("Failed to grant tariff")
		b.sendPlain(chatID, msgAdminError)
		return
	}

	b.logger.Info().
		Int64("target_user_id", userID).
		Str("tariff", tariff.String()).
		Msg("Tariff granted by admin")

	b.sendMarkdown(chatID, b.formatUsage(ctx, fmt.Sprintf("✅ *Тариф выдан пользователю %d*", userID), rec))
}

func (b *Bot) handleReset(ctx context.Context, chatID int64, args []string) {
	userID, ok := parseUserID(args)
	if !ok {
		b.sendPlain(chatID, msgResetUsage)
		return
	}

	rec, err := b.deps.Ledger.Reset(ctx, userID, b.now())
	if err != nil {
		b.logger.Error().Err(err).Int64("target_user_id", userID).Msg("Failed to reset usage")
		b.sendPlain(chatID, msgAdminError)
		return
	}

	b.sendMarkdown(chatID, b.formatUsage(ctx, fmt.Sprintf("🔄 *Лимит пользователя %d сброшен*", userID), rec))
}

func (b *Bot) handleUsage(ctx context.Context, chatID int64, args []string) {
	userID, ok := parseUserID(args)
	if !ok {
		b.sendPlain(chatID, msgUsageUsage)
		return
	}

	rec, err := b.deps.Ledger.Get(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		b.sendPlain(chatID, fmt.Sprintf("Пользователь %d ещё не писал боту.", userID))
		return
	}
	if err != nil {
		b.logger.Error().Err(err).Int64("target_user_id", userID).Msg("Failed to get usage")
		b.sendPlain(chatID, msgAdminError)
		return
	}

	b.sendMarkdown(chatID, b.formatUsage(ctx, fmt.Sprintf("📊 *Пользователь %d*", userID), rec))
}

func (b *Bot) handleSummary(ctx context.Context, chatID int64) {
	s, err := b.deps.Ledger.Summarize(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to summarize ledger")
		b.sendPlain(chatID, msgAdminError)
		return
	}

	b.sendMarkdown(chatID, fmt.Sprintf(
		"📈 *Сводка*\n\nПользователей: %d\nЗаблокировано: %d\nС тарифом: %d",
		s.Users, s.Blocked, s.Paid,
	))
}

// handleRole sets the ledger admin flag. Only admins from the config may
// change it, so a promoted admin cannot promote others.
func (b *Bot) handleRole(ctx context.Context, callerID, chatID int64, args []string, admin bool) {
	if !b.config.IsAdmin(callerID) {
		b.sendPlain(chatID, msgOwnerOnly)
		return
	}

	userID, ok := parseUserID(args)
	if !ok {
		b.sendPlain(chatID, msgRoleUsage)
		return
	}

	if err := b.deps.Ledger.SetAdmin(ctx, userID, admin); err != nil {
		b.logger.Error().Err(err).Int64("target_user_id", userID).Msg("Failed to change admin flag")
		b.sendPlain(chatID, msgAdminError)
		return
	}

	b.logger.Info().
		Int64("target_user_id", userID).
		Int64("by_user_id", callerID).
		Bool("admin", admin).
		Msg("Admin flag changed")

	text := fmt.Sprintf("✅ Пользователь %d теперь администратор.", userID)
	if !admin {
		text = fmt.Sprintf("✅ Пользователь %d больше не администратор.", userID)
		if b.config.IsAdmin(userID) {
			text += " Он остаётся владельцем по конфигурации."
		}
	}
	b.sendPlain(chatID, text)
}

func parseUserID(args []string) (int64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	return id, err == nil
}
