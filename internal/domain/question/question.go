// internal/domain/question/question.go
package question

import (
	"database/sql"
	"fmt"
	"time"
)

// Status is the lifecycle state of a tracked question.
type Status string

const (
	StatusUnanswered Status = "unanswered"
	StatusAnswered   Status = "answered"
	StatusDismissed  Status = "dismissed"
	StatusSnoozed    Status = "snoozed"
)

// MaxEscalationLevel is the last tier a question can be escalated to.
const MaxEscalationLevel = 3

const (
	RedactedText  = "[redacted]"
	RedactedAsker = "redacted"
)

var transitions = map[Status]map[Status]bool{
	StatusUnanswered: {
		StatusAnswered:  true,
		StatusDismissed: true,
		StatusSnoozed:   true,
	},
	StatusSnoozed: {
		StatusUnanswered: true,
		StatusAnswered:   true,
		StatusDismissed:  true,
		StatusSnoozed:    true, // re-snooze extends the window
	},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUnanswered, StatusAnswered, StatusDismissed, StatusSnoozed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusAnswered || s == StatusDismissed
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ValidateTransition returns ErrIllegalTransition for moves outside the table.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Question is a chat message detected as a question and tracked until it is
// answered, dismissed, or stops escalating.
// Corresponds to the 'questions' table.
type Question struct {
	ID          int64
	WorkspaceID string
	ChannelID   string
	MessageID   string         // unique per workspace
	ThreadID    sql.NullString // thread the question lives in, if any
	AskerID     string
	Text        string
	AskedAt     time.Time

	Status             Status
	EscalationLevel    int          // 0 until the first tier is notified
	LevelAttempts      int          // dispatch rounds spent on the next level without advancing
	LastEscalatedAt    sql.NullTime // due-time basis once set
	SnoozedUntil       sql.NullTime
	HandlingSince      sql.NullTime // hybrid mode: a thread reply exists
	AnsweredAt         sql.NullTime
	AnsweredBy         sql.NullString
	AnsweringMessageID sql.NullString

	ExternalTicketID sql.NullString
	SourceApp        sql.NullString

	ClaimToken sql.NullString
	ClaimedAt  sql.NullTime
	Version    int64
	RedactedAt sql.NullTime
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EscalationBasis is the instant the delay for the next level counts from.
func (q *Question) EscalationBasis() time.Time {
	if q.LastEscalatedAt.Valid {
		return q.LastEscalatedAt.Time
	}
	return q.AskedAt
}

// NextLevel returns the tier the scheduler would attempt next, or 0 once the
// ceiling has been reached.
func (q *Question) NextLevel() int {
	if q.EscalationLevel >= MaxEscalationLevel {
		return 0
	}
	return q.EscalationLevel + 1
}

// IsDue reports whether the next level is due at now, given the delay that
// applies to that level.
func (q *Question) IsDue(now time.Time, delay time.Duration) bool {
	if q.Status != StatusUnanswered || q.NextLevel() == 0 {
		return false
	}
	return !now.Before(q.EscalationBasis().Add(delay))
}

// IsClaimed reports whether a scheduler holds a claim newer than staleBefore.
func (q *Question) IsClaimed(staleBefore time.Time) bool {
	return q.ClaimToken.Valid && q.ClaimedAt.Valid && q.ClaimedAt.Time.After(staleBefore)
}

// Advance is the scheduler's write after attempting a level.
type Advance struct {
	Level           int // kept as-is when the level is not advanced
	LevelAttempts   int
	LastEscalatedAt sql.NullTime // left untouched when not Valid
}

// StatusChange describes a reconciler transition and the fields it sets.
type StatusChange struct {
	To                 Status
	At                 time.Time
	AnsweredBy         string
	AnsweringMessageID string
	SnoozedUntil       time.Time
}
