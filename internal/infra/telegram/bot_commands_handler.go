// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func RegisterBotCommands(b *telebot.Bot, adminTelegramID int64, baseLogger *logrus.Entry) {
	startHelpLogger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		logCtx := startHelpLogger.WithField("command", "/start").WithField("sender_id", c.Sender().ID)
		logCtx.Info("Processing /start command")

		if c.Sender().ID == adminTelegramID {
			logCtx.Info("User identified as Admin")
			return c.Send("Hi! I am ready. Use /help for the admin commands.")
		}
		return c.Send("Hi! Add me to a group: I track questions nobody answers and escalate them to the people on call.")
	})

	b.Handle("/help", func(c telebot.Context) error {
		logCtx := startHelpLogger.WithField("command", "/help").WithField("sender_id", c.Sender().ID)
		logCtx.Info("Processing /help command")

		var helpText strings.Builder
		helpText.WriteString("Questions (reply to the question message):\n\n")
		helpText.WriteString("`/answered` - mark the question answered, or confirm a reply as the answer\n")
		helpText.WriteString("`/snooze <minutes>` - pause escalation\n")
		helpText.WriteString("`/dismiss` - stop tracking the question\n")
		helpText.WriteString("`/erase_me` - redact every question you asked\n")

		if c.Sender().ID == adminTelegramID {
			helpText.WriteString("\nAdmin:\n\n")
			helpText.WriteString("`/add_target <level> <user|user_group|channel> <id> [channel=<chat_id>] [name]`\n")
			helpText.WriteString("`/remove_target <id>`\n")
			helpText.WriteString("`/list_targets`\n")
			helpText.WriteString("`/set_delays <first> <second> [third] [channel=<chat_id>]` - minutes, 1 to 1440\n")
			helpText.WriteString("`/set_mode <emoji_only|thread_auto|hybrid> [channel=<chat_id>]`\n")
		}
		return c.Send(helpText.String(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	})
}
