// internal/domain/question/repository.go
package question

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound                = errors.New("question not found")
	ErrDuplicateMessage        = errors.New("question already tracked for this message")
	ErrConcurrentStateConflict = errors.New("question was modified concurrently")
	ErrIllegalTransition       = errors.New("illegal question status transition")
)

// Repository defines persistence for questions. Every mutating call is a
// conditional write so concurrent schedulers and reconcilers never overwrite
// each other's columns.
type Repository interface {
	// Create inserts q and fills its generated fields. Returns
	// ErrDuplicateMessage when (workspace, message) is already tracked.
	Create(ctx context.Context, q *Question) error
	GetByID(ctx context.Context, id int64) (*Question, error)
	GetByMessage(ctx context.Context, workspaceID, messageID string) (*Question, error)

	// ListEscalationCandidates returns one page of unanswered questions below
	// the level ceiling that are not held by a live claim, ordered by id and
	// starting after afterID. A page shorter than limit is the last one.
	ListEscalationCandidates(ctx context.Context, staleClaimBefore time.Time, afterID int64, limit int) ([]*Question, error)
	// ReleaseExpiredSnoozes moves snoozed questions whose window ended back to
	// unanswered, keeping their level and using the window end as the basis.
	ReleaseExpiredSnoozes(ctx context.Context, now time.Time) (int64, error)

	// ClaimForEscalation takes the single-flight claim. It succeeds only if
	// the question is still unanswered, still at expectedVersion, and not
	// claimed by someone else since staleClaimBefore.
	ClaimForEscalation(ctx context.Context, id int64, expectedVersion int64, token string, now, staleClaimBefore time.Time) (bool, error)
	// CompleteEscalation applies adv and drops the claim. The level never
	// decreases. Returns ErrConcurrentStateConflict if the claim was lost.
	CompleteEscalation(ctx context.Context, id int64, token string, adv Advance) error
	// ReleaseClaim drops the claim without touching escalation state.
	ReleaseClaim(ctx context.Context, id int64, token string) error

	// Transition applies change if the question is currently in status from.
	// Returns ErrConcurrentStateConflict when the status moved underneath.
	Transition(ctx context.Context, id int64, from Status, change StatusChange) (*Question, error)
	// MarkHandling records a thread reply in hybrid mode: sets HandlingSince
	// once and touches LastEscalatedAt. Only applies to non-terminal rows.
	MarkHandling(ctx context.Context, id int64, now time.Time) (bool, error)

	// Anonymize redacts text and asker of one question, keeping statistics.
	Anonymize(ctx context.Context, workspaceID, messageID string, now time.Time) (bool, error)
	// AnonymizeAsker redacts every question asked by askerID in a workspace.
	AnonymizeAsker(ctx context.Context, workspaceID, askerID string, now time.Time) (int64, error)

	Ping(ctx context.Context) error
}
