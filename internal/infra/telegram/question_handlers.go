package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"question_escalation_bot/internal/app"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// SignalApplier applies answer signals. *app.Reconciler implements it.
type SignalApplier interface {
	Apply(ctx context.Context, sig app.Signal) (app.Outcome, error)
}

// QuestionHandlers turns group chat traffic into tracked questions and answer
// signals.
type QuestionHandlers struct {
	questions   *app.QuestionService
	reconciler  SignalApplier
	workspaceID string
	logger      *logrus.Entry
	replies     *replyIndex
}

func NewQuestionHandlers(questions *app.QuestionService, reconciler SignalApplier, workspaceID string, logger *logrus.Entry) *QuestionHandlers {
	return &QuestionHandlers{
		questions:   questions,
		reconciler:  reconciler,
		workspaceID: workspaceID,
		logger:      logger,
		replies:     newReplyIndex(10000),
	}
}

func (h *QuestionHandlers) Register(ctx context.Context, b *telebot.Bot) {
	b.Handle(telebot.OnText, func(c telebot.Context) error {
		return h.onText(ctx, c)
	})
	b.Handle("/answered", func(c telebot.Context) error {
		return h.onAnswered(ctx, c)
	})
	b.Handle("/dismiss", func(c telebot.Context) error {
		return h.onReplyCommand(ctx, c, app.Signal{Kind: app.SignalDismiss})
	})
	b.Handle("/snooze", func(c telebot.Context) error {
		return h.onSnooze(ctx, c)
	})
	b.Handle("/erase_me", func(c telebot.Context) error {
		return h.onEraseMe(ctx, c)
	})

	b.Handle(&telebot.Btn{Unique: btnAnswered}, func(c telebot.Context) error {
		return h.onButton(ctx, c, app.Signal{Kind: app.SignalMarkerOnOriginal})
	})
	b.Handle(&telebot.Btn{Unique: btnSnooze}, func(c telebot.Context) error {
		return h.onButton(ctx, c, app.Signal{Kind: app.SignalSnooze, SnoozeMinutes: ButtonSnoozeMinutes})
	})
	b.Handle(&telebot.Btn{Unique: btnDismiss}, func(c telebot.Context) error {
		return h.onButton(ctx, c, app.Signal{Kind: app.SignalDismiss})
	})
}

func (h *QuestionHandlers) onText(ctx context.Context, c telebot.Context) error {
	msg := c.Message()
	if msg == nil || c.Sender() == nil || c.Sender().IsBot || c.Chat().Type == telebot.ChatPrivate {
		return nil
	}

	if msg.ReplyTo != nil {
		questionKey := MessageKey(c.Chat().ID, msg.ReplyTo.ID)
		if parent, ok := h.replies.Get(questionKey); ok {
			questionKey = parent
		}
		replyKey := MessageKey(c.Chat().ID, msg.ID)
		h.replies.Put(replyKey, questionKey)
		_, err := h.apply(ctx, app.Signal{
			Kind:           app.SignalThreadReply,
			MessageID:      questionKey,
			ActorID:        userKey(c.Sender()),
			ReplyMessageID: replyKey,
			At:             msg.Time(),
		})
		return err
	}

	if !LooksLikeQuestion(msg.Text) {
		return nil
	}
	key := MessageKey(c.Chat().ID, msg.ID)
	_, created, err := h.questions.CreateQuestion(ctx, app.NewQuestion{
		WorkspaceID: h.workspaceID,
		ChannelID:   strconv.FormatInt(c.Chat().ID, 10),
		MessageID:   key,
		ThreadID:    key,
		AskerID:     userKey(c.Sender()),
		Text:        msg.Text,
		AskedAt:     msg.Time(),
		SourceApp:   "telegram",
	})
	if err != nil {
		h.logger.WithError(err).WithField("message_id", key).Error("Failed to track question")
		return nil
	}
	if !created {
		h.logger.WithField("message_id", key).Debug("Question was already tracked")
	}
	return nil
}

// onAnswered handles /answered sent as a reply. Replying to the question marks
// it answered; replying to an answer in its thread confirms that answer.
func (h *QuestionHandlers) onAnswered(ctx context.Context, c telebot.Context) error {
	msg := c.Message()
	if msg == nil || msg.ReplyTo == nil {
		return c.Reply("Reply to the question (or to the answer) with /answered.")
	}

	target := MessageKey(c.Chat().ID, msg.ReplyTo.ID)
	sig := app.Signal{
		Kind:      app.SignalMarkerOnOriginal,
		MessageID: target,
		ActorID:   userKey(c.Sender()),
		At:        msg.Time(),
	}
	if questionKey, ok := h.replies.Get(target); ok {
		sig.Kind = app.SignalConfirmReply
		sig.MessageID = questionKey
		sig.ReplyMessageID = target
		sig.ReplyAuthorID = userKey(msg.ReplyTo.Sender)
	}

	outcome, err := h.apply(ctx, sig)
	if err != nil {
		return c.Reply("Could not update the question, please try again.")
	}
	return c.Reply(outcomeText(outcome))
}

func (h *QuestionHandlers) onSnooze(ctx context.Context, c telebot.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: reply to the question with /snooze <minutes>")
	}
	minutes, err := strconv.Atoi(args[0])
	if err != nil {
		return c.Reply("Error: minutes must be a number.")
	}
	return h.onReplyCommand(ctx, c, app.Signal{Kind: app.SignalSnooze, SnoozeMinutes: minutes})
}

func (h *QuestionHandlers) onEraseMe(ctx context.Context, c telebot.Context) error {
	n, err := h.questions.EraseAsker(ctx, h.workspaceID, userKey(c.Sender()))
	if err != nil {
		h.logger.WithError(err).Error("Failed to erase asker data")
		return c.Send("Failed to erase your data, please try again later.")
	}
	return c.Send(fmt.Sprintf("Redacted %d of your questions.", n))
}

func (h *QuestionHandlers) onReplyCommand(ctx context.Context, c telebot.Context, sig app.Signal) error {
	msg := c.Message()
	if msg == nil || msg.ReplyTo == nil {
		return c.Reply("Reply to the question with this command.")
	}
	sig.MessageID = MessageKey(c.Chat().ID, msg.ReplyTo.ID)
	sig.ActorID = userKey(c.Sender())
	sig.At = msg.Time()

	outcome, err := h.apply(ctx, sig)
	if errors.Is(err, app.ErrInvalidSnoozeDuration) {
		return c.Reply(fmt.Sprintf("Error: %s", err.Error()))
	}
	if err != nil {
		return c.Reply("Could not update the question, please try again.")
	}
	return c.Reply(outcomeText(outcome))
}

// onButton handles the inline buttons of escalation messages. The payload
// is the question id.
func (h *QuestionHandlers) onButton(ctx context.Context, c telebot.Context, sig app.Signal) error {
	id, err := strconv.ParseInt(c.Callback().Data, 10, 64)
	if err != nil {
		h.logger.WithError(err).WithField("data", c.Callback().Data).Warn("Invalid question id in callback")
		return c.Respond(&telebot.CallbackResponse{Text: "Unknown question."})
	}
	q, err := h.questions.Get(ctx, id)
	if err != nil {
		h.logger.WithError(err).WithField("question_id", id).Warn("Callback for unknown question")
		return c.Respond(&telebot.CallbackResponse{Text: "Unknown question."})
	}

	sig.WorkspaceID = q.WorkspaceID
	sig.MessageID = q.MessageID
	sig.ActorID = userKey(c.Sender())
	outcome, err := h.apply(ctx, sig)
	if err != nil {
		return c.Respond(&telebot.CallbackResponse{Text: "Something went wrong."})
	}
	return c.Respond(&telebot.CallbackResponse{Text: outcomeText(outcome)})
}

func (h *QuestionHandlers) apply(ctx context.Context, sig app.Signal) (app.Outcome, error) {
	if sig.WorkspaceID == "" {
		sig.WorkspaceID = h.workspaceID
	}
	outcome, err := h.reconciler.Apply(ctx, sig)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"signal":     sig.Kind,
			"message_id": sig.MessageID,
		}).Warn("Answer signal failed")
	}
	return outcome, err
}

func outcomeText(o app.Outcome) string {
	switch o {
	case app.OutcomeAnswered:
		return "Marked as answered."
	case app.OutcomeDismissed:
		return "Question dismissed."
	case app.OutcomeSnoozed:
		return "Question snoozed."
	case app.OutcomeHandling:
		return "Noted, the question is being handled."
	case app.OutcomeAlreadyClosed:
		return "This question is already closed."
	case app.OutcomeUntracked:
		return "That message is not a tracked question."
	default:
		return "Nothing to change."
	}
}

func userKey(u *telebot.User) string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

// LooksLikeQuestion is the capture heuristic for plain group messages.
func LooksLikeQuestion(text string) bool {
	text = strings.TrimSpace(text)
	return len([]rune(text)) >= 8 && strings.Contains(text, "?")
}

// replyIndex remembers which question a reply belongs to, since Telegram
// drops nested reply references. Oldest entries are evicted first.
type replyIndex struct {
	mu    sync.Mutex
	max   int
	items map[string]string
	order []string
}

func newReplyIndex(max int) *replyIndex {
	return &replyIndex{max: max, items: make(map[string]string)}
}

func (r *replyIndex) Put(replyKey, questionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[replyKey]; !ok {
		r.order = append(r.order, replyKey)
	}
	r.items[replyKey] = questionKey
	for len(r.order) > r.max {
		delete(r.items, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *replyIndex) Get(replyKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.items[replyKey]
	return q, ok
}
