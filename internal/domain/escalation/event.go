// internal/domain/escalation/event.go
package escalation

import (
	"database/sql"
	"time"
)

// EventStatus is the outcome of one notification attempt.
type EventStatus string

const (
	EventSuccess EventStatus = "success"
	EventFailed  EventStatus = "failed"
	EventSkipped EventStatus = "skipped"
)

// Skip reasons recorded on skipped events.
const (
	SkipNoTargets       = "no_targets"
	SkipQuestionClosed  = "question_closed"
	SkipAlreadyNotified = "already_notified"
)

// Event is one audit record of an attempt to notify one target for one
// question at one level. Corresponds to the 'escalation_events' table.
// TargetType and TargetID are empty for a no-targets skip.
type Event struct {
	ID          int64
	QuestionID  int64
	WorkspaceID string
	TickID      string
	Level       int
	Attempt     int
	TargetType  sql.NullString
	TargetID    sql.NullString
	Status      EventStatus
	Reason      sql.NullString
	ErrorKind   sql.NullString
	ErrorDetail sql.NullString
	CreatedAt   time.Time
}

// TargetKey returns the ledger key of the event's target, or "" for
// target-less events.
func (e *Event) TargetKey() string {
	if !e.TargetType.Valid || !e.TargetID.Valid {
		return ""
	}
	return e.TargetType.String + ":" + e.TargetID.String
}
