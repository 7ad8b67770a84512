package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"question_escalation_bot/internal/domain/chat"
	"question_escalation_bot/internal/domain/escalation"
	"question_escalation_bot/internal/domain/question"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuestion() *question.Question {
	return &question.Question{
		ID:          7,
		WorkspaceID: testWorkspace,
		ChannelID:   testChannel,
		MessageID:   "-1001:42",
		AskerID:     "asker",
		Text:        "Who owns the billing cron?",
		AskedAt:     t0,
	}
}

func TestDispatcher_RoutesByTargetType(t *testing.T) {
	sender := newFakeSender()
	d := NewDispatcher(sender, time.Second, quietLogger())
	q := testQuestion()

	for _, target := range []escalation.Target{
		escalation.UserTarget{UserID: "u1"},
		escalation.UserGroupTarget{GroupID: "g1"},
		escalation.ChannelTarget{ChannelID: "c9"},
	} {
		res := d.Dispatch(context.Background(), target, q, 2, t0.Add(90*time.Minute))
		assert.True(t, res.Success)
		assert.NoError(t, res.Err)
	}

	sent := sender.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, escalation.TargetTypeUser, sent[0].targetType)
	assert.Equal(t, escalation.TargetTypeUserGroup, sent[1].targetType)
	assert.Equal(t, escalation.TargetTypeChannel, sent[2].targetType)
	assert.Equal(t, "c9", sent[2].targetID)

	n := sent[0].n
	assert.Equal(t, int64(7), n.QuestionID)
	assert.Equal(t, 2, n.Level)
	assert.Equal(t, "-1001:42", n.MessageID)
	assert.Contains(t, n.Text, "Escalation level 2")
	assert.Contains(t, n.Text, "waiting for 1h 30m")
	assert.Contains(t, n.Text, "Who owns the billing cron?")
}

func TestDispatcher_ClassifiesFailures(t *testing.T) {
	sender := newFakeSender()
	sender.failures["gone"] = &chat.SendError{Kind: chat.ErrorKindNotFound, Err: errors.New("chat not found")}
	sender.failures["weird"] = errors.New("boom")
	d := NewDispatcher(sender, time.Second, quietLogger())

	res := d.Dispatch(context.Background(), escalation.UserTarget{UserID: "gone"}, testQuestion(), 1, t0)
	assert.False(t, res.Success)
	assert.Equal(t, chat.ErrorKindNotFound, res.ErrorKind)

	res = d.Dispatch(context.Background(), escalation.UserTarget{UserID: "weird"}, testQuestion(), 1, t0)
	assert.False(t, res.Success)
	assert.Equal(t, chat.ErrorKindUnknown, res.ErrorKind)
}

func TestDispatcher_TimeoutIsTransient(t *testing.T) {
	sender := newFakeSender()
	sender.onSend = func(string) { time.Sleep(50 * time.Millisecond) }
	d := NewDispatcher(sender, 10*time.Millisecond, quietLogger())

	res := d.Dispatch(context.Background(), escalation.UserTarget{UserID: "slow"}, testQuestion(), 1, t0)
	assert.False(t, res.Success)
	assert.Equal(t, chat.ErrorKindTransient, res.ErrorKind)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestComposeEscalationText(t *testing.T) {
	q := testQuestion()

	text := ComposeEscalationText(q, 1, q.AskedAt.Add(95*time.Minute))
	assert.Contains(t, text, "waiting for 1h 35m")
	assert.Contains(t, text, "Asked by: asker")

	text = ComposeEscalationText(q, 3, q.AskedAt.Add(20*time.Second))
	assert.Contains(t, text, "less than a minute")
	assert.Contains(t, text, "Escalation level 3")
}
