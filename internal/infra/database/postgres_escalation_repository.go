// internal/infra/database/postgres_escalation_repository.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"question_escalation_bot/internal/domain/escalation"
)

var (
	_ escalation.ConfigRepository = (*PostgresEscalationRepository)(nil)
	_ escalation.TargetRepository = (*PostgresEscalationRepository)(nil)
	_ escalation.EventRepository  = (*PostgresEscalationRepository)(nil)
)

// PostgresEscalationRepository stores escalation configs, targets and the
// event ledger. Workspace-wide rows use channel_id = ''.
type PostgresEscalationRepository struct {
	db *sql.DB
}

func NewPostgresEscalationRepository(db *sql.DB) *PostgresEscalationRepository {
	return &PostgresEscalationRepository{db: db}
}

// --- Config Methods ---

func (r *PostgresEscalationRepository) GetConfig(ctx context.Context, workspaceID, channelID string) (*escalation.Config, error) {
	query := `SELECT id, workspace_id, channel_id, first_delay_minutes, second_delay_minutes, third_delay_minutes,
               answer_mode, created_at, updated_at
               FROM escalation_configs WHERE workspace_id = $1 AND channel_id = $2`
	cfg := escalation.Config{}
	var channel string
	err := r.db.QueryRowContext(ctx, query, workspaceID, channelID).Scan(
		&cfg.ID, &cfg.WorkspaceID, &channel, &cfg.FirstDelayMinutes, &cfg.SecondDelayMinutes, &cfg.ThirdDelayMinutes,
		&cfg.AnswerMode, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, escalation.ErrConfigNotFound
		}
		return nil, fmt.Errorf("error getting escalation config: %w", err)
	}
	cfg.ChannelID = nullString(channel)
	return &cfg, nil
}

func (r *PostgresEscalationRepository) UpsertConfig(ctx context.Context, cfg *escalation.Config) error {
	query := `INSERT INTO escalation_configs (workspace_id, channel_id, first_delay_minutes, second_delay_minutes,
               third_delay_minutes, answer_mode)
               VALUES ($1, $2, $3, $4, $5, $6)
               ON CONFLICT (workspace_id, channel_id) DO UPDATE
               SET first_delay_minutes = EXCLUDED.first_delay_minutes,
                   second_delay_minutes = EXCLUDED.second_delay_minutes,
                   third_delay_minutes = EXCLUDED.third_delay_minutes,
                   answer_mode = EXCLUDED.answer_mode,
                   updated_at = NOW()
               RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		cfg.WorkspaceID, cfg.ChannelID.String, cfg.FirstDelayMinutes, cfg.SecondDelayMinutes,
		cfg.ThirdDelayMinutes, cfg.AnswerMode,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error upserting escalation config: %w", err)
	}
	return nil
}

// --- Target Methods ---

func scanTargets(rows *sql.Rows) ([]*escalation.TargetRecord, error) {
	targets := make([]*escalation.TargetRecord, 0)
	for rows.Next() {
		t := escalation.TargetRecord{}
		var channel string
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &channel, &t.Level, &t.Type, &t.Identifier, &t.DisplayName, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning escalation target row: %w", err)
		}
		t.ChannelID = nullString(channel)
		targets = append(targets, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalation target rows: %w", err)
	}
	return targets, nil
}

func (r *PostgresEscalationRepository) ListTargets(ctx context.Context, workspaceID, channelID string, level int) ([]*escalation.TargetRecord, error) {
	query := `SELECT id, workspace_id, channel_id, level, target_type, identifier, display_name, created_at
               FROM escalation_targets
               WHERE workspace_id = $1 AND channel_id = $2 AND level = $3
               ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, workspaceID, channelID, level)
	if err != nil {
		return nil, fmt.Errorf("error querying escalation targets: %w", err)
	}
	defer rows.Close()
	return scanTargets(rows)
}

func (r *PostgresEscalationRepository) ListAllTargets(ctx context.Context, workspaceID string) ([]*escalation.TargetRecord, error) {
	query := `SELECT id, workspace_id, channel_id, level, target_type, identifier, display_name, created_at
               FROM escalation_targets
               WHERE workspace_id = $1
               ORDER BY channel_id, level, id`
	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("error querying all escalation targets: %w", err)
	}
	defer rows.Close()
	return scanTargets(rows)
}

func (r *PostgresEscalationRepository) AddTarget(ctx context.Context, t *escalation.TargetRecord) error {
	query := `INSERT INTO escalation_targets (workspace_id, channel_id, level, target_type, identifier, display_name)
               VALUES ($1, $2, $3, $4, $5, $6)
               RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query,
		t.WorkspaceID, t.ChannelID.String, t.Level, t.Type, t.Identifier, t.DisplayName,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "escalation_targets_unique") {
			return escalation.ErrDuplicateTarget
		}
		return fmt.Errorf("error adding escalation target: %w", err)
	}
	return nil
}

func (r *PostgresEscalationRepository) RemoveTarget(ctx context.Context, workspaceID string, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM escalation_targets WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return fmt.Errorf("error removing escalation target: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading remove result: %w", err)
	}
	if n == 0 {
		return escalation.ErrTargetNotFound
	}
	return nil
}

// --- Event Methods ---

func (r *PostgresEscalationRepository) Append(ctx context.Context, events []*escalation.Event) error {
	if len(events) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for event append: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	stmt, err := txn.PrepareContext(ctx, `INSERT INTO escalation_events (question_id, workspace_id, tick_id, level, attempt,
                                         target_type, target_id, status, reason, error_kind, error_detail, created_at)
                                         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
                                         RETURNING id`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for event append: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		err := stmt.QueryRowContext(ctx,
			e.QuestionID, e.WorkspaceID, e.TickID, e.Level, e.Attempt,
			e.TargetType, e.TargetID, e.Status, e.Reason, e.ErrorKind, e.ErrorDetail, e.CreatedAt,
		).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("error appending escalation event (question %d, level %d): %w", e.QuestionID, e.Level, err)
		}
	}

	return txn.Commit()
}

func (r *PostgresEscalationRepository) SucceededTargets(ctx context.Context, questionID int64, level int) (map[string]bool, error) {
	query := `SELECT DISTINCT target_type, target_id FROM escalation_events
               WHERE question_id = $1 AND level = $2 AND status = 'success' AND target_id IS NOT NULL`
	rows, err := r.db.QueryContext(ctx, query, questionID, level)
	if err != nil {
		return nil, fmt.Errorf("error querying notified targets: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var targetType, targetID string
		if err := rows.Scan(&targetType, &targetID); err != nil {
			return nil, fmt.Errorf("error scanning notified target row: %w", err)
		}
		done[targetType+":"+targetID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notified target rows: %w", err)
	}
	return done, nil
}

func (r *PostgresEscalationRepository) ListForQuestion(ctx context.Context, questionID int64) ([]*escalation.Event, error) {
	query := `SELECT id, question_id, workspace_id, tick_id, level, attempt, target_type, target_id, status,
               reason, error_kind, error_detail, created_at
               FROM escalation_events WHERE question_id = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, questionID)
	if err != nil {
		return nil, fmt.Errorf("error querying escalation events: %w", err)
	}
	defer rows.Close()

	events := make([]*escalation.Event, 0)
	for rows.Next() {
		e := escalation.Event{}
		if err := rows.Scan(
			&e.ID, &e.QuestionID, &e.WorkspaceID, &e.TickID, &e.Level, &e.Attempt, &e.TargetType, &e.TargetID,
			&e.Status, &e.Reason, &e.ErrorKind, &e.ErrorDetail, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning escalation event row: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalation event rows: %w", err)
	}
	return events, nil
}
