package bot

import (
	"fmt"
	"runtime/debug"

	"github.com/advisor-llm-bot/internal/dispatcher"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// recoverMiddleware handles panics in message handlers
func (b *Bot) recoverMiddleware(handler func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered in handler")
		}
	}()

	handler()
}

// sendReply sends a dispatcher reply with its keyboard
func (b *Bot) sendReply(chatID int64, reply dispatcher.Reply) {
	msg := tgbotapi.NewMessage(chatID, reply.Text)
	if len(reply.Buttons) > 0 {
		msg.ReplyMarkup = keyboard(reply.Buttons)
	}
	if reply.Markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	b.send(msg)
}

// sendPlain sends text without markup
func (b *Bot) sendPlain(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

// sendMarkdown sends text parsed as legacy Markdown
func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	b.send(msg)
}

// send delivers msg; when Telegram rejects the markup the text is resent plain
func (b *Bot) send(msg tgbotapi.MessageConfig) {
	_, err := b.sender.Send(msg)
	if err == nil {
		return
	}

	if msg.ParseMode != "" {
		b.logger.Warn().
			Err(err).
			Int64("chat_id", msg.ChatID).
			Msg("Markdown rejected, resending as plain text")
		msg.ParseMode = ""
		if _, err = b.sender.Send(msg); err == nil {
			return
		}
	}

	b.logger.Error().
		Err(err).
		Int64("chat_id", msg.ChatID).
		Msg("Failed to send message")
}

// sendTypingAction sends typing action to the chat
func (b *Bot) sendTypingAction(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = b.sender.Send(action)
}

func keyboard(rows [][]string) tgbotapi.ReplyKeyboardMarkup {
	buttons := make([][]tgbotapi.KeyboardButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tgbotapi.KeyboardButton, 0, len(row))
		for _, name := range row {
			r = append(r, tgbotapi.NewKeyboardButton(name))
		}
		buttons = append(buttons, r)
	}

	kb := tgbotapi.NewReplyKeyboard(buttons...)
	kb.OneTimeKeyboard = true
	kb.ResizeKeyboard = true
	return kb
}

// SendReport delivers a scheduled report to an admin chat
func (b *Bot) SendReport(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.sender.Send(msg); err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}
	return nil
}
