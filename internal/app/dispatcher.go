package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"question_escalation_bot/internal/domain/chat"
	"question_escalation_bot/internal/domain/escalation"
	"question_escalation_bot/internal/domain/question"

	"github.com/sirupsen/logrus"
)

// DispatchResult is the outcome of one notification to one target.
type DispatchResult struct {
	Target    escalation.Target
	Success   bool
	ErrorKind chat.ErrorKind
	Err       error
}

// Dispatcher sends exactly one escalation notification per call. It never
// retries; retrying a level is the scheduler's decision. now is the tick
// time the notification text is rendered against.
type Dispatcher struct {
	sender  chat.Sender
	timeout time.Duration
	logger  *logrus.Entry
}

func NewDispatcher(sender chat.Sender, timeout time.Duration, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{sender: sender, timeout: timeout, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, target escalation.Target, q *question.Question, level int, now time.Time) DispatchResult {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	n := chat.Notification{
		QuestionID:  q.ID,
		WorkspaceID: q.WorkspaceID,
		ChannelID:   q.ChannelID,
		MessageID:   q.MessageID,
		AskerID:     q.AskerID,
		Level:       level,
		AskedAt:     q.AskedAt,
		Text:        ComposeEscalationText(q, level, now),
	}

	var err error
	switch t := target.(type) {
	case escalation.UserTarget:
		err = d.sender.SendToUser(ctx, t.UserID, n)
	case escalation.UserGroupTarget:
		err = d.sender.SendToUserGroup(ctx, t.GroupID, n)
	case escalation.ChannelTarget:
		err = d.sender.SendToChannel(ctx, t.ChannelID, n)
	default:
		err = &chat.SendError{Kind: chat.ErrorKindUnknown, Err: fmt.Errorf("unsupported target %T", target)}
	}

	if err != nil {
		kind := chat.KindOf(err)
		d.logger.WithFields(logrus.Fields{
			"question_id": q.ID,
			"level":       level,
			"target":      escalation.TargetKey(target),
			"error_kind":  kind,
		}).WithError(err).Warn("Escalation dispatch failed")
		return DispatchResult{Target: target, ErrorKind: kind, Err: err}
	}
	return DispatchResult{Target: target, Success: true}
}

// ComposeEscalationText renders the body of an escalation notification.
func ComposeEscalationText(q *question.Question, level int, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Escalation level %d: a question has been waiting for %s without an answer.\n", level, waitedFor(q.AskedAt, now))
	fmt.Fprintf(&b, "Channel: %s\n", q.ChannelID)
	fmt.Fprintf(&b, "Asked by: %s\n\n", q.AskerID)
	b.WriteString(q.Text)
	return b.String()
}

func waitedFor(askedAt, now time.Time) string {
	d := now.Sub(askedAt).Round(time.Minute)
	if d < time.Minute {
		return "less than a minute"
	}
	if d < time.Hour {
		return fmt.Sprintf("%d min", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
