// internal/infra/telegram/client.go
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"question_escalation_bot/internal/domain/chat"

	"gopkg.in/telebot.v3"
)

// Callback uniques of the buttons attached to escalation messages.
const (
	btnAnswered = "q_answered"
	btnSnooze   = "q_snooze"
	btnDismiss  = "q_dismiss"
)

// ButtonSnoozeMinutes is the snooze applied by the snooze button.
const ButtonSnoozeMinutes = 60

var (
	_ chat.Sender    = (*TelebotAdapter)(nil)
	_ chat.Directory = (*TelebotAdapter)(nil)
)

// recipient addresses a chat by numeric id or by @username.
type recipient string

func (r recipient) Recipient() string { return string(r) }

// TelebotAdapter implements chat.Sender and chat.Directory using the gopkg.in/telebot.v3 library.
// Users, groups and channels are all Telegram chats; the target type only
// decides how existence is checked.
type TelebotAdapter struct {
	bot *telebot.Bot
}

func NewTelebotAdapter(b *telebot.Bot) *TelebotAdapter {
	return &TelebotAdapter{bot: b}
}

// NewSenderBot returns a bot for outbound API calls only. It never polls, and
// every request is cut off after timeout. An empty apiURL means the public
// Bot API.
func NewSenderBot(token, apiURL string, timeout time.Duration) (*telebot.Bot, error) {
	b, err := telebot.NewBot(telebot.Settings{
		URL:     apiURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create Telegram sender bot: %w", err)
	}
	return b, nil
}

func (tba *TelebotAdapter) SendToUser(ctx context.Context, userID string, n chat.Notification) error {
	return tba.send(ctx, userID, n)
}

func (tba *TelebotAdapter) SendToUserGroup(ctx context.Context, groupID string, n chat.Notification) error {
	return tba.send(ctx, groupID, n)
}

func (tba *TelebotAdapter) SendToChannel(ctx context.Context, channelID string, n chat.Notification) error {
	return tba.send(ctx, channelID, n)
}

// send delivers one message. telebot has no context support, so the call
// runs aside and the caller stops waiting once ctx is done. The request itself
// is bounded by the bot's HTTP client timeout (see NewSenderBot).
func (tba *TelebotAdapter) send(ctx context.Context, to string, n chat.Notification) error {
	text := n.Text
	if link := MessageLink(n.MessageID); link != "" {
		text += "\n\n" + link
	}
	opts := &telebot.SendOptions{ReplyMarkup: escalationMarkup(n.QuestionID), DisableWebPagePreview: true}

	done := make(chan error, 1)
	go func() {
		_, err := tba.bot.Send(recipient(to), text, opts)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		return nil
	case <-ctx.Done():
		return &chat.SendError{Kind: chat.ErrorKindTransient, Err: ctx.Err()}
	}
}

func escalationMarkup(questionID int64) *telebot.ReplyMarkup {
	id := strconv.FormatInt(questionID, 10)
	markup := &telebot.ReplyMarkup{}
	markup.Inline(markup.Row(
		markup.Data("Answered", btnAnswered, id),
		markup.Data(fmt.Sprintf("Snooze %dm", ButtonSnoozeMinutes), btnSnooze, id),
		markup.Data("Dismiss", btnDismiss, id),
	))
	return markup
}

func (tba *TelebotAdapter) UserExists(ctx context.Context, userID string) (bool, error) {
	c, err := tba.lookup(userID)
	if err != nil || c == nil {
		return false, err
	}
	return c.Type == telebot.ChatPrivate, nil
}

func (tba *TelebotAdapter) UserGroupExists(ctx context.Context, groupID string) (bool, error) {
	c, err := tba.lookup(groupID)
	if err != nil || c == nil {
		return false, err
	}
	return c.Type == telebot.ChatGroup || c.Type == telebot.ChatSuperGroup, nil
}

func (tba *TelebotAdapter) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	c, err := tba.lookup(channelID)
	if err != nil || c == nil {
		return false, err
	}
	return c.Type != telebot.ChatPrivate, nil
}

// lookup returns nil without error when Telegram does not know the chat.
func (tba *TelebotAdapter) lookup(id string) (*telebot.Chat, error) {
	var (
		c   *telebot.Chat
		err error
	)
	if strings.HasPrefix(id, "@") {
		c, err = tba.bot.ChatByUsername(id)
	} else {
		numeric, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil {
			return nil, nil
		}
		c, err = tba.bot.ChatByID(numeric)
	}
	if err != nil {
		if chat.KindOf(classify(err)) == chat.ErrorKindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// classify maps telebot errors onto chat.ErrorKind.
func classify(err error) error {
	kind := chat.ErrorKindUnknown
	var tbErr *telebot.Error
	var netErr net.Error
	switch {
	case errors.Is(err, telebot.ErrBlockedByUser),
		errors.Is(err, telebot.ErrKickedFromGroup),
		errors.Is(err, telebot.ErrUserIsDeactivated):
		kind = chat.ErrorKindPermission
	case errors.Is(err, telebot.ErrChatNotFound):
		kind = chat.ErrorKindNotFound
	case errors.As(err, &tbErr):
		kind = kindForCode(tbErr.Code, tbErr.Description)
	case errors.As(err, &netErr):
		kind = chat.ErrorKindTransient
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "too many requests"), strings.Contains(msg, "retry after"),
			strings.Contains(msg, "timeout"):
			kind = chat.ErrorKindTransient
		case strings.Contains(msg, "not found"):
			kind = chat.ErrorKindNotFound
		case strings.Contains(msg, "forbidden"):
			kind = chat.ErrorKindPermission
		}
	}
	return &chat.SendError{Kind: kind, Err: err}
}

func kindForCode(code int, description string) chat.ErrorKind {
	switch {
	case code == 401 || code == 403:
		return chat.ErrorKindPermission
	case code == 400 && strings.Contains(strings.ToLower(description), "not found"):
		return chat.ErrorKindNotFound
	case code == 429 || code >= 500:
		return chat.ErrorKindTransient
	}
	return chat.ErrorKindUnknown
}

// MessageKey is the MessageID stored for a Telegram message: message ids are
// only unique within a chat.
func MessageKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// MessageLink returns a t.me link for messages in supergroups, or "".
func MessageLink(messageKey string) string {
	chatPart, msgPart, ok := strings.Cut(messageKey, ":")
	if !ok || !strings.HasPrefix(chatPart, "-100") {
		return ""
	}
	return fmt.Sprintf("https://t.me/c/%s/%s", strings.TrimPrefix(chatPart, "-100"), msgPart)
}
