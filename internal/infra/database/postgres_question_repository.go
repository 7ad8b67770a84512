// internal/infra/database/postgres_question_repository.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"question_escalation_bot/internal/domain/question"
)

const questionColumns = `id, workspace_id, channel_id, message_id, thread_id, asker_id, text, asked_at,
	status, escalation_level, level_attempts, last_escalated_at, snoozed_until, handling_since,
	answered_at, answered_by, answering_message_id, external_ticket_id, source_app,
	claim_token, claimed_at, version, redacted_at, created_at, updated_at`

var _ question.Repository = (*PostgresQuestionRepository)(nil)

type PostgresQuestionRepository struct {
	db *sql.DB
}

func NewPostgresQuestionRepository(db *sql.DB) *PostgresQuestionRepository {
	return &PostgresQuestionRepository{db: db}
}

func scanQuestion(row scanner) (*question.Question, error) {
	q := question.Question{}
	err := row.Scan(
		&q.ID, &q.WorkspaceID, &q.ChannelID, &q.MessageID, &q.ThreadID, &q.AskerID, &q.Text, &q.AskedAt,
		&q.Status, &q.EscalationLevel, &q.LevelAttempts, &q.LastEscalatedAt, &q.SnoozedUntil, &q.HandlingSince,
		&q.AnsweredAt, &q.AnsweredBy, &q.AnsweringMessageID, &q.ExternalTicketID, &q.SourceApp,
		&q.ClaimToken, &q.ClaimedAt, &q.Version, &q.RedactedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *PostgresQuestionRepository) Create(ctx context.Context, q *question.Question) error {
	if q.Status == "" {
		q.Status = question.StatusUnanswered
	}
	query := `INSERT INTO questions (workspace_id, channel_id, message_id, thread_id, asker_id, text, asked_at,
               status, external_ticket_id, source_app)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
               RETURNING id, version, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		q.WorkspaceID, q.ChannelID, q.MessageID, q.ThreadID, q.AskerID, q.Text, q.AskedAt,
		q.Status, q.ExternalTicketID, q.SourceApp,
	).Scan(&q.ID, &q.Version, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "questions_workspace_message_unique") {
			return question.ErrDuplicateMessage
		}
		return fmt.Errorf("error creating question: %w", err)
	}
	return nil
}

func (r *PostgresQuestionRepository) GetByID(ctx context.Context, id int64) (*question.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE id = $1`
	q, err := scanQuestion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, question.ErrNotFound
		}
		return nil, fmt.Errorf("error getting question by ID: %w", err)
	}
	return q, nil
}

func (r *PostgresQuestionRepository) GetByMessage(ctx context.Context, workspaceID, messageID string) (*question.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE workspace_id = $1 AND message_id = $2`
	q, err := scanQuestion(r.db.QueryRowContext(ctx, query, workspaceID, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, question.ErrNotFound
		}
		return nil, fmt.Errorf("error getting question by message: %w", err)
	}
	return q, nil
}

func (r *PostgresQuestionRepository) ListEscalationCandidates(ctx context.Context, staleClaimBefore time.Time, afterID int64, limit int) ([]*question.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions
               WHERE status = 'unanswered' AND escalation_level < $1
                 AND (claim_token IS NULL OR claimed_at < $2)
                 AND id > $3
               ORDER BY id
               LIMIT $4`
	rows, err := r.db.QueryContext(ctx, query, question.MaxEscalationLevel, staleClaimBefore, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying escalation candidates: %w", err)
	}
	defer rows.Close()

	questions := make([]*question.Question, 0)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning question row: %w", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating question rows: %w", err)
	}
	return questions, nil
}

func (r *PostgresQuestionRepository) ReleaseExpiredSnoozes(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE questions
               SET status = 'unanswered',
                   last_escalated_at = GREATEST(COALESCE(last_escalated_at, snoozed_until), snoozed_until),
                   snoozed_until = NULL,
                   version = version + 1, updated_at = NOW()
               WHERE status = 'snoozed' AND snoozed_until <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("error releasing expired snoozes: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresQuestionRepository) ClaimForEscalation(ctx context.Context, id int64, expectedVersion int64, token string, now, staleClaimBefore time.Time) (bool, error) {
	query := `UPDATE questions
               SET claim_token = $3, claimed_at = $4, version = version + 1, updated_at = NOW()
               WHERE id = $1 AND version = $2 AND status = 'unanswered'
                 AND (claim_token IS NULL OR claimed_at < $5)`
	res, err := r.db.ExecContext(ctx, query, id, expectedVersion, token, now, staleClaimBefore)
	if err != nil {
		return false, fmt.Errorf("error claiming question for escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading claim result: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresQuestionRepository) CompleteEscalation(ctx context.Context, id int64, token string, adv question.Advance) error {
	query := `UPDATE questions
               SET escalation_level = GREATEST(escalation_level, $3),
                   level_attempts = $4,
                   last_escalated_at = CASE WHEN $5::timestamptz IS NULL THEN last_escalated_at
                                            ELSE GREATEST(COALESCE(last_escalated_at, $5::timestamptz), $5::timestamptz) END,
                   claim_token = NULL, claimed_at = NULL,
                   version = version + 1, updated_at = NOW()
               WHERE id = $1 AND claim_token = $2`
	res, err := r.db.ExecContext(ctx, query, id, token, adv.Level, adv.LevelAttempts, adv.LastEscalatedAt)
	if err != nil {
		return fmt.Errorf("error completing escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading escalation result: %w", err)
	}
	if n == 0 {
		return question.ErrConcurrentStateConflict
	}
	return nil
}

func (r *PostgresQuestionRepository) ReleaseClaim(ctx context.Context, id int64, token string) error {
	query := `UPDATE questions
               SET claim_token = NULL, claimed_at = NULL, version = version + 1, updated_at = NOW()
               WHERE id = $1 AND claim_token = $2`
	if _, err := r.db.ExecContext(ctx, query, id, token); err != nil {
		return fmt.Errorf("error releasing escalation claim: %w", err)
	}
	return nil
}

func (r *PostgresQuestionRepository) Transition(ctx context.Context, id int64, from question.Status, change question.StatusChange) (*question.Question, error) {
	if err := question.ValidateTransition(from, change.To); err != nil {
		return nil, err
	}

	var answeredAt, snoozedUntil sql.NullTime
	var answeredBy, answeringMessageID sql.NullString
	switch change.To {
	case question.StatusAnswered:
		answeredAt = sql.NullTime{Time: change.At, Valid: true}
		answeredBy = nullString(change.AnsweredBy)
		answeringMessageID = nullString(change.AnsweringMessageID)
	case question.StatusSnoozed:
		snoozedUntil = sql.NullTime{Time: change.SnoozedUntil, Valid: true}
	}

	query := `UPDATE questions
               SET status = $3,
                   answered_at = $4, answered_by = $5, answering_message_id = $6,
                   snoozed_until = $7,
                   last_escalated_at = CASE WHEN $3 = 'unanswered'
                                            THEN GREATEST(COALESCE(last_escalated_at, $8::timestamptz), $8::timestamptz)
                                            ELSE last_escalated_at END,
                   version = version + 1, updated_at = NOW()
               WHERE id = $1 AND status = $2
               RETURNING ` + questionColumns
	q, err := scanQuestion(r.db.QueryRowContext(ctx, query,
		id, from, change.To, answeredAt, answeredBy, answeringMessageID, snoozedUntil, change.At,
	))
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error transitioning question: %w", err)
	}
	// Either the row is gone or its status moved.
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, question.ErrConcurrentStateConflict
}

func (r *PostgresQuestionRepository) MarkHandling(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `UPDATE questions
               SET handling_since = COALESCE(handling_since, $2),
                   last_escalated_at = GREATEST(COALESCE(last_escalated_at, $2), $2),
                   version = version + 1, updated_at = NOW()
               WHERE id = $1 AND status IN ('unanswered', 'snoozed')`
	res, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("error marking question handled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading handling result: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresQuestionRepository) Anonymize(ctx context.Context, workspaceID, messageID string, now time.Time) (bool, error) {
	query := `UPDATE questions
               SET text = $3, asker_id = $4, redacted_at = $5, version = version + 1, updated_at = NOW()
               WHERE workspace_id = $1 AND message_id = $2`
	res, err := r.db.ExecContext(ctx, query, workspaceID, messageID, question.RedactedText, question.RedactedAsker, now)
	if err != nil {
		return false, fmt.Errorf("error anonymizing question: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading anonymize result: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresQuestionRepository) AnonymizeAsker(ctx context.Context, workspaceID, askerID string, now time.Time) (int64, error) {
	query := `UPDATE questions
               SET text = $3, asker_id = $4, redacted_at = $5, version = version + 1, updated_at = NOW()
               WHERE workspace_id = $1 AND asker_id = $2`
	res, err := r.db.ExecContext(ctx, query, workspaceID, askerID, question.RedactedText, question.RedactedAsker, now)
	if err != nil {
		return 0, fmt.Errorf("error anonymizing asker questions: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresQuestionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
