package memory

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"question_escalation_bot/internal/domain/escalation"
	"question_escalation_bot/internal/domain/question"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newQuestion(t *testing.T, s *Store, messageID string) *question.Question {
	t.Helper()
	q := &question.Question{
		WorkspaceID: "ws",
		ChannelID:   "c1",
		MessageID:   messageID,
		AskerID:     "asker",
		Text:        "anyone?",
		AskedAt:     base,
	}
	require.NoError(t, s.Create(context.Background(), q))
	return q
}

func TestStore_CreateRejectsDuplicateMessage(t *testing.T) {
	s := NewStore()
	q := newQuestion(t, s, "m1")
	assert.Equal(t, int64(1), q.ID)
	assert.Equal(t, question.StatusUnanswered, q.Status)

	err := s.Create(context.Background(), &question.Question{WorkspaceID: "ws", MessageID: "m1"})
	assert.ErrorIs(t, err, question.ErrDuplicateMessage)

	// Same message id in another workspace is a different question.
	require.NoError(t, s.Create(context.Background(), &question.Question{WorkspaceID: "other", MessageID: "m1"}))
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewStore()
	q := newQuestion(t, s, "m1")

	got, err := s.GetByID(context.Background(), q.ID)
	require.NoError(t, err)
	got.Status = question.StatusAnswered

	again, err := s.GetByMessage(context.Background(), "ws", "m1")
	require.NoError(t, err)
	assert.Equal(t, question.StatusUnanswered, again.Status)

	_, err = s.GetByID(context.Background(), 99)
	assert.ErrorIs(t, err, question.ErrNotFound)
}

func TestStore_ListEscalationCandidatesPagesByID(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for _, m := range []string{"m1", "m2", "m3", "m4", "m5"} {
		newQuestion(t, s, m)
	}
	_, err := s.Transition(ctx, 2, question.StatusUnanswered, question.StatusChange{To: question.StatusDismissed, At: base})
	require.NoError(t, err)

	var seen []int64
	var afterID int64
	for {
		page, err := s.ListEscalationCandidates(ctx, base, afterID, 2)
		require.NoError(t, err)
		for _, q := range page {
			seen = append(seen, q.ID)
			afterID = q.ID
		}
		if len(page) < 2 {
			break
		}
	}
	assert.Equal(t, []int64{1, 3, 4, 5}, seen)
}

func TestStore_ClaimIsSingleFlight(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	q := newQuestion(t, s, "m1")
	stale := base.Add(-5 * time.Minute)

	ok, err := s.ClaimForEscalation(ctx, q.ID, q.Version, "a", base, stale)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale version and live claim both lose.
	ok, err = s.ClaimForEscalation(ctx, q.ID, q.Version, "b", base, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := s.GetByID(ctx, q.ID)
	require.NoError(t, err)
	ok, err = s.ClaimForEscalation(ctx, q.ID, current.Version, "b", base, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	candidates, err := s.ListEscalationCandidates(ctx, stale, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	// Once the claim is older than the stale cutoff it can be taken over.
	later := base.Add(10 * time.Minute)
	ok, err = s.ClaimForEscalation(ctx, q.ID, current.Version, "b", later, later.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, s.CompleteEscalation(ctx, q.ID, "a", question.Advance{Level: 1}), question.ErrConcurrentStateConflict)
	require.NoError(t, s.CompleteEscalation(ctx, q.ID, "b", question.Advance{Level: 1, LastEscalatedAt: sql.NullTime{Time: later, Valid: true}}))

	got, err := s.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.False(t, got.ClaimToken.Valid)
}

func TestStore_CompleteEscalationKeepsLevelAndBasisMonotonic(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	q := newQuestion(t, s, "m1")

	claim := func(token string) {
		cur, err := s.GetByID(ctx, q.ID)
		require.NoError(t, err)
		ok, err := s.ClaimForEscalation(ctx, q.ID, cur.Version, token, base, base.Add(-time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
	}

	claim("t1")
	require.NoError(t, s.CompleteEscalation(ctx, q.ID, "t1", question.Advance{Level: 2, LastEscalatedAt: sql.NullTime{Time: base.Add(time.Hour), Valid: true}}))
	claim("t2")
	require.NoError(t, s.CompleteEscalation(ctx, q.ID, "t2", question.Advance{Level: 1, LastEscalatedAt: sql.NullTime{Time: base, Valid: true}}))

	got, err := s.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EscalationLevel)
	assert.Equal(t, base.Add(time.Hour), got.LastEscalatedAt.Time)
}

func TestStore_TransitionIsConditional(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	q := newQuestion(t, s, "m1")

	_, err := s.Transition(ctx, q.ID, question.StatusSnoozed, question.StatusChange{To: question.StatusAnswered, At: base})
	assert.ErrorIs(t, err, question.ErrConcurrentStateConflict)

	until := base.Add(time.Hour)
	snoozed, err := s.Transition(ctx, q.ID, question.StatusUnanswered, question.StatusChange{To: question.StatusSnoozed, At: base, SnoozedUntil: until})
	require.NoError(t, err)
	assert.Equal(t, until, snoozed.SnoozedUntil.Time)

	answered, err := s.Transition(ctx, q.ID, question.StatusSnoozed, question.StatusChange{To: question.StatusAnswered, At: base, AnsweredBy: "helper"})
	require.NoError(t, err)
	assert.Equal(t, "helper", answered.AnsweredBy.String)
	assert.False(t, answered.SnoozedUntil.Valid)

	_, err = s.Transition(ctx, q.ID, question.StatusAnswered, question.StatusChange{To: question.StatusUnanswered, At: base})
	assert.ErrorIs(t, err, question.ErrIllegalTransition)

	_, err = s.Transition(ctx, 99, question.StatusUnanswered, question.StatusChange{To: question.StatusAnswered})
	assert.ErrorIs(t, err, question.ErrNotFound)
}

func TestStore_ReleaseExpiredSnoozes(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	due := newQuestion(t, s, "m1")
	notYet := newQuestion(t, s, "m2")

	_, err := s.Transition(ctx, due.ID, question.StatusUnanswered, question.StatusChange{To: question.StatusSnoozed, At: base, SnoozedUntil: base.Add(10 * time.Minute)})
	require.NoError(t, err)
	_, err = s.Transition(ctx, notYet.ID, question.StatusUnanswered, question.StatusChange{To: question.StatusSnoozed, At: base, SnoozedUntil: base.Add(time.Hour)})
	require.NoError(t, err)

	n, err := s.ReleaseExpiredSnoozes(ctx, base.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetByID(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, question.StatusUnanswered, got.Status)
	assert.Equal(t, base.Add(10*time.Minute), got.LastEscalatedAt.Time)

	got, err = s.GetByID(ctx, notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, question.StatusSnoozed, got.Status)
}

func TestStore_MarkHandling(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	q := newQuestion(t, s, "m1")

	ok, err := s.MarkHandling(ctx, q.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkHandling(ctx, q.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), got.HandlingSince.Time)
	assert.Equal(t, base.Add(2*time.Minute), got.LastEscalatedAt.Time)

	_, err = s.Transition(ctx, q.ID, question.StatusUnanswered, question.StatusChange{To: question.StatusDismissed, At: base})
	require.NoError(t, err)
	ok, err = s.MarkHandling(ctx, q.ID, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_TargetsAndEvents(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	rec := &escalation.TargetRecord{WorkspaceID: "ws", Level: 1, Type: escalation.TargetTypeUser, Identifier: "u1"}
	require.NoError(t, s.AddTarget(ctx, rec))
	assert.ErrorIs(t, s.AddTarget(ctx, &escalation.TargetRecord{WorkspaceID: "ws", Level: 1, Type: escalation.TargetTypeUser, Identifier: "u1"}), escalation.ErrDuplicateTarget)
	require.NoError(t, s.AddTarget(ctx, &escalation.TargetRecord{WorkspaceID: "ws", ChannelID: sql.NullString{String: "c1", Valid: true}, Level: 1, Type: escalation.TargetTypeUser, Identifier: "u1"}))

	ws, err := s.ListTargets(ctx, "ws", "", 1)
	require.NoError(t, err)
	assert.Len(t, ws, 1)
	all, err := s.ListAllTargets(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.RemoveTarget(ctx, "other", rec.ID), escalation.ErrTargetNotFound)
	require.NoError(t, s.RemoveTarget(ctx, "ws", rec.ID))

	events := []*escalation.Event{
		{QuestionID: 1, Level: 1, Status: escalation.EventSuccess, TargetType: sql.NullString{String: "user", Valid: true}, TargetID: sql.NullString{String: "u1", Valid: true}},
		{QuestionID: 1, Level: 1, Status: escalation.EventFailed, TargetType: sql.NullString{String: "user", Valid: true}, TargetID: sql.NullString{String: "u2", Valid: true}},
		{QuestionID: 1, Level: 2, Status: escalation.EventSkipped, Reason: sql.NullString{String: escalation.SkipNoTargets, Valid: true}},
	}
	require.NoError(t, s.Append(ctx, events))
	assert.NotZero(t, events[2].ID)

	done, err := s.SucceededTargets(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"user:u1": true}, done)

	listed, err := s.ListForQuestion(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}
