package question

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusUnanswered, StatusAnswered},
		{StatusUnanswered, StatusDismissed},
		{StatusUnanswered, StatusSnoozed},
		{StatusSnoozed, StatusUnanswered},
		{StatusSnoozed, StatusAnswered},
		{StatusSnoozed, StatusDismissed},
		{StatusSnoozed, StatusSnoozed},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
		assert.NoError(t, ValidateTransition(tc.from, tc.to))
	}

	rejected := []struct{ from, to Status }{
		{StatusUnanswered, StatusUnanswered},
		{StatusAnswered, StatusUnanswered},
		{StatusAnswered, StatusDismissed},
		{StatusDismissed, StatusAnswered},
		{StatusDismissed, StatusSnoozed},
		{StatusAnswered, StatusSnoozed},
	}
	for _, tc := range rejected {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
		err := ValidateTransition(tc.from, tc.to)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrIllegalTransition))
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusAnswered.IsTerminal())
	assert.True(t, StatusDismissed.IsTerminal())
	assert.False(t, StatusUnanswered.IsTerminal())
	assert.False(t, StatusSnoozed.IsTerminal())
	assert.False(t, Status("open").Valid())
}

func TestQuestion_IsDue(t *testing.T) {
	t0 := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	q := &Question{AskedAt: t0, Status: StatusUnanswered}

	assert.False(t, q.IsDue(t0.Add(119*time.Second), 2*time.Minute))
	assert.True(t, q.IsDue(t0.Add(2*time.Minute), 2*time.Minute))

	// Once escalated, the basis moves to the last escalation.
	q.EscalationLevel = 1
	q.LastEscalatedAt = sql.NullTime{Time: t0.Add(2 * time.Minute), Valid: true}
	assert.False(t, q.IsDue(t0.Add(5*time.Minute), 4*time.Minute))
	assert.True(t, q.IsDue(t0.Add(6*time.Minute), 4*time.Minute))

	q.Status = StatusAnswered
	assert.False(t, q.IsDue(t0.Add(time.Hour), 4*time.Minute))
}

func TestQuestion_NextLevelCeiling(t *testing.T) {
	q := &Question{Status: StatusUnanswered, EscalationLevel: 2}
	assert.Equal(t, 3, q.NextLevel())

	q.EscalationLevel = MaxEscalationLevel
	assert.Equal(t, 0, q.NextLevel())
	assert.False(t, q.IsDue(time.Now().Add(24*time.Hour), time.Minute))
}

func TestQuestion_IsClaimed(t *testing.T) {
	now := time.Now()
	q := &Question{}
	assert.False(t, q.IsClaimed(now.Add(-time.Minute)))

	q.ClaimToken = sql.NullString{String: "tok", Valid: true}
	q.ClaimedAt = sql.NullTime{Time: now, Valid: true}
	assert.True(t, q.IsClaimed(now.Add(-time.Minute)))
	assert.False(t, q.IsClaimed(now.Add(time.Minute)))
}
