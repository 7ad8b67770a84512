package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"question_escalation_bot/internal/app"
	"question_escalation_bot/internal/domain/escalation"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const unauthorizedText = "Error: you are not allowed to run this command."

// RegisterAdminHandlers registers handlers for admin commands.
// It requires the bot instance, admin service, and the configured admin Telegram ID.
func RegisterAdminHandlers(ctx context.Context, b *telebot.Bot, adminService *app.AdminService, adminTelegramID int64, baseLogger *logrus.Entry) {
	h := &adminHandlers{admin: adminService, adminID: adminTelegramID, logger: baseLogger}
	b.Handle("/add_target", func(c telebot.Context) error { return h.addTarget(ctx, c) })
	b.Handle("/remove_target", func(c telebot.Context) error { return h.removeTarget(ctx, c) })
	b.Handle("/list_targets", func(c telebot.Context) error { return h.listTargets(ctx, c) })
	b.Handle("/set_delays", func(c telebot.Context) error { return h.setDelays(ctx, c) })
	b.Handle("/set_mode", func(c telebot.Context) error { return h.setMode(ctx, c) })
}

type adminHandlers struct {
	admin   *app.AdminService
	adminID int64
	logger  *logrus.Entry
}

func (h *adminHandlers) addTarget(ctx context.Context, c telebot.Context) error {
	handlerLogger := commandLogger(h.logger, "/add_target", c)
	handlerLogger.Info("Command received")

	if c.Sender().ID != h.adminID {
		handlerLogger.Warn("Unauthorized access attempt")
		return c.Send(unauthorizedText)
	}

	// Expected format: /add_target <level> <user|user_group|channel> <id> [channel=<chat_id>] [display name]
	channelID, args := splitChannelArg(c.Args())
	if len(args) < 3 {
		return c.Send("Usage: /add_target <level> <user|user_group|channel> <id> [channel=<chat_id>] [display name]")
	}
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return c.Send("Error: level must be 1, 2 or 3.")
	}
	in := app.TargetInput{
		ChannelID:   channelID,
		Level:       level,
		Type:        escalation.TargetType(strings.ToLower(args[1])),
		Identifier:  args[2],
		DisplayName: strings.Join(args[3:], " "),
	}
	handlerLogger = handlerLogger.WithFields(logrus.Fields{
		"level":       in.Level,
		"target_type": in.Type,
		"target_id":   in.Identifier,
		"channel_id":  in.ChannelID,
	})

	rec, err := h.admin.AddTarget(ctx, c.Sender().ID, in)
	if err != nil {
		logWithError := handlerLogger.WithError(err)
		switch {
		case errors.Is(err, app.ErrAdminNotAuthorized):
			logWithError.Warn("Admin not authorized (service level)")
			return c.Send(unauthorizedText)
		case errors.Is(err, escalation.ErrConfigurationInvalid), errors.Is(err, app.ErrTargetDoesNotExist):
			logWithError.Warn("Rejected escalation target")
			return c.Send(fmt.Sprintf("Error: %s", err.Error()))
		case errors.Is(err, escalation.ErrDuplicateTarget):
			logWithError.Warn("Escalation target already configured")
			return c.Send("This target is already configured for that level.")
		default:
			logWithError.Error("Failed to add escalation target")
			return c.Send(fmt.Sprintf("Failed to add escalation target: %s", err.Error()))
		}
	}

	handlerLogger.WithField("target_record_id", rec.ID).Info("Escalation target added")
	return c.Send(fmt.Sprintf("Added %s (ID: %d).", describeTarget(rec), rec.ID))
}

func (h *adminHandlers) removeTarget(ctx context.Context, c telebot.Context) error {
	handlerLogger := commandLogger(h.logger, "/remove_target", c)
	handlerLogger.Info("Command received")

	if c.Sender().ID != h.adminID {
		handlerLogger.Warn("Unauthorized access attempt")
		return c.Send(unauthorizedText)
	}

	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /remove_target <ID from /list_targets>")
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		handlerLogger.WithField("arg", args[0]).Warn("Invalid target ID format")
		return c.Send("Error: ID must be a number.")
	}

	if err := h.admin.RemoveTarget(ctx, c.Sender().ID, targetID); err != nil {
		logWithError := handlerLogger.WithError(err)
		switch {
		case errors.Is(err, app.ErrAdminNotAuthorized):
			return c.Send(unauthorizedText)
		case errors.Is(err, escalation.ErrTargetNotFound):
			logWithError.Warn("Escalation target to remove not found")
			return c.Send(fmt.Sprintf("No escalation target with ID %d.", targetID))
		default:
			logWithError.Error("Failed to remove escalation target")
			return c.Send(fmt.Sprintf("Failed to remove escalation target: %s", err.Error()))
		}
	}

	handlerLogger.WithField("target_record_id", targetID).Info("Escalation target removed")
	return c.Send(fmt.Sprintf("Escalation target %d removed.", targetID))
}

func (h *adminHandlers) listTargets(ctx context.Context, c telebot.Context) error {
	handlerLogger := commandLogger(h.logger, "/list_targets", c)
	if c.Sender().ID != h.adminID {
		handlerLogger.Warn("Unauthorized access attempt")
		return c.Send(unauthorizedText)
	}

	targets, err := h.admin.ListTargets(ctx, c.Sender().ID)
	if err != nil {
		handlerLogger.WithError(err).Error("Failed to list escalation targets")
		return c.Send(fmt.Sprintf("Failed to list escalation targets: %s", err.Error()))
	}
	if len(targets) == 0 {
		return c.Send("No escalation targets configured.")
	}

	var response strings.Builder
	response.WriteString("--- Escalation targets ---\n")
	for _, t := range targets {
		response.WriteString(fmt.Sprintf("ID: %d, %s\n", t.ID, describeTarget(t)))
	}
	return c.Send(response.String())
}

func (h *adminHandlers) setDelays(ctx context.Context, c telebot.Context) error {
	handlerLogger := commandLogger(h.logger, "/set_delays", c)
	handlerLogger.Info("Command received")

	if c.Sender().ID != h.adminID {
		handlerLogger.Warn("Unauthorized access attempt")
		return c.Send(unauthorizedText)
	}

	// Expected format: /set_delays <first> <second> [third] [channel=<chat_id>]
	channelID, args := splitChannelArg(c.Args())
	if len(args) < 2 || len(args) > 3 {
		return c.Send("Usage: /set_delays <first_minutes> <second_minutes> [third_minutes] [channel=<chat_id>]")
	}
	delays := make([]int, 3)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return c.Send("Error: delays must be whole minutes.")
		}
		delays[i] = v
	}

	cfg, err := h.admin.SetConfig(ctx, c.Sender().ID, app.ConfigInput{
		ChannelID:          channelID,
		FirstDelayMinutes:  delays[0],
		SecondDelayMinutes: delays[1],
		ThirdDelayMinutes:  delays[2],
	})
	if err != nil {
		return replyConfigError(c, handlerLogger, err)
	}
	handlerLogger.WithField("channel_id", channelID).Info("Escalation delays updated")
	return c.Send(fmt.Sprintf("Saved: %s.", describeConfig(cfg)))
}

func (h *adminHandlers) setMode(ctx context.Context, c telebot.Context) error {
	handlerLogger := commandLogger(h.logger, "/set_mode", c)
	handlerLogger.Info("Command received")

	if c.Sender().ID != h.adminID {
		handlerLogger.Warn("Unauthorized access attempt")
		return c.Send(unauthorizedText)
	}

	channelID, args := splitChannelArg(c.Args())
	if len(args) != 1 {
		return c.Send("Usage: /set_mode <emoji_only|thread_auto|hybrid> [channel=<chat_id>]")
	}

	cfg, err := h.admin.SetConfig(ctx, c.Sender().ID, app.ConfigInput{
		ChannelID:  channelID,
		AnswerMode: escalation.AnswerMode(strings.ToLower(args[0])),
	})
	if err != nil {
		return replyConfigError(c, handlerLogger, err)
	}
	handlerLogger.WithField("channel_id", channelID).Info("Answer mode updated")
	return c.Send(fmt.Sprintf("Saved: %s.", describeConfig(cfg)))
}

func commandLogger(base *logrus.Entry, command string, c telebot.Context) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"handler":   command,
		"sender_id": c.Sender().ID,
	})
}

func replyConfigError(c telebot.Context, handlerLogger *logrus.Entry, err error) error {
	logWithError := handlerLogger.WithError(err)
	switch {
	case errors.Is(err, app.ErrAdminNotAuthorized):
		return c.Send(unauthorizedText)
	case errors.Is(err, escalation.ErrConfigurationInvalid):
		logWithError.Warn("Rejected escalation config")
		return c.Send(fmt.Sprintf("Error: %s", err.Error()))
	default:
		logWithError.Error("Failed to update escalation config")
		return c.Send(fmt.Sprintf("Failed to update escalation config: %s", err.Error()))
	}
}

// splitChannelArg pulls an optional channel=<id> argument out of args.
func splitChannelArg(args []string) (string, []string) {
	var channelID string
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "channel="); ok {
			channelID = v
			continue
		}
		rest = append(rest, a)
	}
	return channelID, rest
}

func describeTarget(t *escalation.TargetRecord) string {
	scope := "workspace default"
	if t.ChannelID.Valid {
		scope = "channel " + t.ChannelID.String
	}
	name := t.Identifier
	if t.DisplayName != "" {
		name = fmt.Sprintf("%s (%s)", t.DisplayName, t.Identifier)
	}
	return fmt.Sprintf("level %d %s %s, %s", t.Level, t.Type, name, scope)
}

func describeConfig(cfg *escalation.Config) string {
	third := "same as second"
	if cfg.ThirdDelayMinutes != 0 {
		third = fmt.Sprintf("%d min", cfg.ThirdDelayMinutes)
	}
	scope := "workspace default"
	if cfg.ChannelID.Valid {
		scope = "channel " + cfg.ChannelID.String
	}
	return fmt.Sprintf("%s: first %d min, second %d min, third %s, mode %s",
		scope, cfg.FirstDelayMinutes, cfg.SecondDelayMinutes, third, cfg.AnswerMode)
}
