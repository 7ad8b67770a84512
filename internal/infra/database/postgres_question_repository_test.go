package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"testing"
	"time"

	"question_escalation_bot/internal/domain/question"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	questionCols = []string{
		"id", "workspace_id", "channel_id", "message_id", "thread_id", "asker_id", "text", "asked_at",
		"status", "escalation_level", "level_attempts", "last_escalated_at", "snoozed_until", "handling_since",
		"answered_at", "answered_by", "answering_message_id", "external_ticket_id", "source_app",
		"claim_token", "claimed_at", "version", "redacted_at", "created_at", "updated_at",
	}
	askedAt = time.Date(2024, 6, 3, 8, 30, 0, 0, time.UTC)
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func questionRow(id int64, status question.Status, level int, version int64) []driver.Value {
	return []driver.Value{
		id, "ws", "c1", fmt.Sprintf("-100:%d", id), nil, "asker", "how do I deploy?", askedAt,
		string(status), int64(level), int64(0), nil, nil, nil,
		nil, nil, nil, nil, nil,
		nil, nil, version, nil, askedAt, askedAt,
	}
}

func TestQuestionRepository_Create(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO questions")).
		WithArgs("ws", "c1", "-100:5", sqlmock.AnyArg(), "asker", "how?", askedAt, "unanswered", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "created_at", "updated_at"}).AddRow(int64(5), int64(1), askedAt, askedAt))

	q := &question.Question{WorkspaceID: "ws", ChannelID: "c1", MessageID: "-100:5", AskerID: "asker", Text: "how?", AskedAt: askedAt}
	require.NoError(t, repo.Create(context.Background(), q))
	assert.Equal(t, int64(5), q.ID)
	assert.Equal(t, int64(1), q.Version)
	assert.Equal(t, question.StatusUnanswered, q.Status)
}

func TestQuestionRepository_CreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO questions")).
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "questions_workspace_message_unique"})

	err := repo.Create(context.Background(), &question.Question{WorkspaceID: "ws", MessageID: "m"})
	assert.ErrorIs(t, err, question.ErrDuplicateMessage)
}

func TestQuestionRepository_GetByID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM questions WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(questionCols).AddRow(questionRow(9, question.StatusSnoozed, 2, 7)...))
	mock.ExpectQuery(regexp.QuoteMeta("FROM questions WHERE id = $1")).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(questionCols))

	q, err := repo.GetByID(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, question.StatusSnoozed, q.Status)
	assert.Equal(t, 2, q.EscalationLevel)
	assert.Equal(t, int64(7), q.Version)
	assert.False(t, q.ThreadID.Valid)
	assert.False(t, q.LastEscalatedAt.Valid)

	_, err = repo.GetByID(context.Background(), 10)
	assert.ErrorIs(t, err, question.ErrNotFound)
}

func TestQuestionRepository_ListEscalationCandidates(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)
	stale := askedAt.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'unanswered' AND escalation_level < $1")).
		WithArgs(question.MaxEscalationLevel, stale, int64(0), 50).
		WillReturnRows(sqlmock.NewRows(questionCols).
			AddRow(questionRow(1, question.StatusUnanswered, 0, 1)...).
			AddRow(questionRow(2, question.StatusUnanswered, 1, 4)...))

	qs, err := repo.ListEscalationCandidates(context.Background(), stale, 0, 50)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, int64(2), qs[1].ID)
	assert.Equal(t, 1, qs[1].EscalationLevel)

	mock.ExpectQuery(regexp.QuoteMeta("AND id > $3")).
		WithArgs(question.MaxEscalationLevel, stale, int64(2), 50).
		WillReturnRows(sqlmock.NewRows(questionCols))

	qs, err = repo.ListEscalationCandidates(context.Background(), stale, 2, 50)
	require.NoError(t, err)
	assert.Empty(t, qs)
}

func TestQuestionRepository_Claim(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)
	now := askedAt.Add(10 * time.Minute)
	stale := now.Add(-2 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("SET claim_token = $3")).
		WithArgs(int64(1), int64(3), "tok", now, stale).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET claim_token = $3")).
		WithArgs(int64(1), int64(3), "other", now, stale).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.ClaimForEscalation(context.Background(), 1, 3, "tok", now, stale)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimForEscalation(context.Background(), 1, 3, "other", now, stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuestionRepository_CompleteEscalation(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)
	at := askedAt.Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("SET escalation_level = GREATEST(escalation_level, $3)")).
		WithArgs(int64(1), "tok", 2, 0, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET escalation_level = GREATEST(escalation_level, $3)")).
		WithArgs(int64(1), "lost", 2, 1, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CompleteEscalation(context.Background(), 1, "tok", question.Advance{Level: 2, LastEscalatedAt: sql.NullTime{Time: at, Valid: true}})
	require.NoError(t, err)

	err = repo.CompleteEscalation(context.Background(), 1, "lost", question.Advance{Level: 2, LevelAttempts: 1})
	assert.ErrorIs(t, err, question.ErrConcurrentStateConflict)
}

func TestQuestionRepository_Transition(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)
	ctx := context.Background()

	answered := questionRow(3, question.StatusAnswered, 1, 5)
	answered[14] = askedAt.Add(time.Minute)
	answered[15] = "helper"
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE questions")).
		WillReturnRows(sqlmock.NewRows(questionCols).AddRow(answered...))

	q, err := repo.Transition(ctx, 3, question.StatusUnanswered, question.StatusChange{To: question.StatusAnswered, At: askedAt.Add(time.Minute), AnsweredBy: "helper"})
	require.NoError(t, err)
	assert.Equal(t, question.StatusAnswered, q.Status)
	assert.Equal(t, "helper", q.AnsweredBy.String)

	// The status moved underneath: the update matches nothing but the row exists.
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE questions")).
		WillReturnRows(sqlmock.NewRows(questionCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM questions WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(questionCols).AddRow(questionRow(3, question.StatusDismissed, 1, 6)...))

	_, err = repo.Transition(ctx, 3, question.StatusUnanswered, question.StatusChange{To: question.StatusSnoozed, At: askedAt, SnoozedUntil: askedAt.Add(time.Hour)})
	assert.ErrorIs(t, err, question.ErrConcurrentStateConflict)

	// Illegal moves never reach the database.
	_, err = repo.Transition(ctx, 3, question.StatusAnswered, question.StatusChange{To: question.StatusUnanswered})
	assert.ErrorIs(t, err, question.ErrIllegalTransition)
}

func TestQuestionRepository_ReleaseAndHandling(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)
	now := askedAt.Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("WHERE status = 'snoozed' AND snoozed_until <= $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("SET handling_since = COALESCE(handling_since, $2)")).
		WithArgs(int64(4), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.ReleaseExpiredSnoozes(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := repo.MarkHandling(context.Background(), 4, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuestionRepository_Anonymize(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresQuestionRepository(db)
	now := askedAt.Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("WHERE workspace_id = $1 AND message_id = $2")).
		WithArgs("ws", "m1", question.RedactedText, question.RedactedAsker, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE workspace_id = $1 AND asker_id = $2")).
		WithArgs("ws", "u1", question.RedactedText, question.RedactedAsker, now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	ok, err := repo.Anonymize(context.Background(), "ws", "m1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := repo.AnonymizeAsker(context.Background(), "ws", "u1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: uniqueViolation, Constraint: "escalation_targets_unique"}

	assert.True(t, isUniqueViolation(dup, "escalation_targets_unique"))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", dup), ""))
	assert.False(t, isUniqueViolation(dup, "questions_workspace_message_unique"))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}, ""))
	assert.False(t, isUniqueViolation(sql.ErrNoRows, ""))
}
