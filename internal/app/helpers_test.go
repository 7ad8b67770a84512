package app

import (
	"context"
	"database/sql"
	"io"
	"sync"
	"testing"
	"time"

	"question_escalation_bot/internal/domain/chat"
	"question_escalation_bot/internal/domain/escalation"
	"question_escalation_bot/internal/domain/question"
	"question_escalation_bot/internal/infra/memory"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testWorkspace = "ws"
	testChannel   = "c1"
)

var t0 = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type sentMessage struct {
	targetType escalation.TargetType
	targetID   string
	n          chat.Notification
}

// fakeSender records every send. failures fails sends to the given target
// ids; onSend runs before a send is recorded.
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures map[string]error
	onSend   func(targetID string)
}

func newFakeSender() *fakeSender {
	return &fakeSender{failures: make(map[string]error)}
}

func (f *fakeSender) SendToUser(ctx context.Context, userID string, n chat.Notification) error {
	return f.send(ctx, escalation.TargetTypeUser, userID, n)
}

func (f *fakeSender) SendToUserGroup(ctx context.Context, groupID string, n chat.Notification) error {
	return f.send(ctx, escalation.TargetTypeUserGroup, groupID, n)
}

func (f *fakeSender) SendToChannel(ctx context.Context, channelID string, n chat.Notification) error {
	return f.send(ctx, escalation.TargetTypeChannel, channelID, n)
}

func (f *fakeSender) send(ctx context.Context, typ escalation.TargetType, id string, n chat.Notification) error {
	if f.onSend != nil {
		f.onSend(id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[id]; ok {
		return err
	}
	f.sent = append(f.sent, sentMessage{targetType: typ, targetID: id, n: n})
	return nil
}

func (f *fakeSender) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) CountTo(id string) int {
	n := 0
	for _, m := range f.Sent() {
		if m.targetID == id {
			n++
		}
	}
	return n
}

// fixture wires the services over one in-memory store.
type fixture struct {
	t          *testing.T
	store      *memory.Store
	clock      *fakeClock
	sender     *fakeSender
	resolver   *TargetResolver
	escalation *EscalationServiceImpl
	reconciler *Reconciler
	questions  *QuestionService
}

func newFixture(t *testing.T, opts EscalationOptions, recOpts ReconcilerOptions) *fixture {
	t.Helper()
	store := memory.NewStore()
	clock := newFakeClock(t0)
	sender := newFakeSender()
	resolver := NewTargetResolver(store, store)
	return &fixture{
		t:          t,
		store:      store,
		clock:      clock,
		sender:     sender,
		resolver:   resolver,
		escalation: newEscalation(store, store, resolver, sender, clock, opts),
		reconciler: NewReconciler(store, resolver, clock, recOpts, quietLogger()),
		questions:  NewQuestionService(store, clock, quietLogger()),
	}
}

func newEscalation(repo question.Repository, events escalation.EventRepository, resolver Resolver, sender chat.Sender, clock Clock, opts EscalationOptions) *EscalationServiceImpl {
	return NewEscalationServiceImpl(repo, events, resolver, NewDispatcher(sender, time.Second, quietLogger()), clock, opts, quietLogger())
}

func (f *fixture) config(channelID string, first, second int, mode escalation.AnswerMode) {
	f.t.Helper()
	require.NoError(f.t, f.store.UpsertConfig(context.Background(), &escalation.Config{
		WorkspaceID:        testWorkspace,
		ChannelID:          sql.NullString{String: channelID, Valid: channelID != ""},
		FirstDelayMinutes:  first,
		SecondDelayMinutes: second,
		AnswerMode:         mode,
	}))
}

func (f *fixture) target(channelID string, level int, typ escalation.TargetType, id string) {
	f.t.Helper()
	require.NoError(f.t, f.store.AddTarget(context.Background(), &escalation.TargetRecord{
		WorkspaceID: testWorkspace,
		ChannelID:   sql.NullString{String: channelID, Valid: channelID != ""},
		Level:       level,
		Type:        typ,
		Identifier:  id,
	}))
}

func (f *fixture) ask(messageID, askerID string) *question.Question {
	f.t.Helper()
	q, created, err := f.questions.CreateQuestion(context.Background(), NewQuestion{
		WorkspaceID: testWorkspace,
		ChannelID:   testChannel,
		MessageID:   messageID,
		AskerID:     askerID,
		Text:        "How do I rotate the staging credentials?",
		AskedAt:     f.clock.Now(),
	})
	require.NoError(f.t, err)
	require.True(f.t, created)
	return q
}

// tickAt moves the clock to t0+offset and runs one tick.
func (f *fixture) tickAt(offset time.Duration) *TickReport {
	f.t.Helper()
	f.clock.Set(t0.Add(offset))
	report, err := f.escalation.RunTick(context.Background())
	require.NoError(f.t, err)
	return report
}

func (f *fixture) get(id int64) *question.Question {
	f.t.Helper()
	q, err := f.store.GetByID(context.Background(), id)
	require.NoError(f.t, err)
	return q
}

func (f *fixture) events(id int64) []*escalation.Event {
	f.t.Helper()
	evs, err := f.store.ListForQuestion(context.Background(), id)
	require.NoError(f.t, err)
	return evs
}

func (f *fixture) signal(sig Signal) (Outcome, error) {
	if sig.WorkspaceID == "" {
		sig.WorkspaceID = testWorkspace
	}
	return f.reconciler.Apply(context.Background(), sig)
}
