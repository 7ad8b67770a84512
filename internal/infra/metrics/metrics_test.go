package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"question_escalation_bot/internal/app"
	"question_escalation_bot/internal/domain/escalation"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_TickCompleted(t *testing.T) {
	c := NewCollector()

	c.TickCompleted(&app.TickReport{Duration: 120 * time.Millisecond, Escalated: 2, NoTargets: 1, SnoozesReleased: 3})
	c.TickCompleted(&app.TickReport{Duration: time.Second, Errors: 1})
	c.TickCompleted(&app.TickReport{LockNotAcquired: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks.WithLabelValues("with_errors")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ticks.WithLabelValues("lock_not_acquired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.tickQuestions.WithLabelValues("escalated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tickQuestions.WithLabelValues("no_targets")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.snoozes))
	// Skipped ticks are not timed.
	assert.Equal(t, 1, testutil.CollectAndCount(c.tickDuration))
}

func TestCollector_EventsAndSignals(t *testing.T) {
	c := NewCollector()

	c.EventRecorded(&escalation.Event{Status: escalation.EventSuccess})
	c.EventRecorded(&escalation.Event{Status: escalation.EventFailed, ErrorKind: sql.NullString{String: "transient", Valid: true}})
	c.EventRecorded(&escalation.Event{Status: escalation.EventFailed, ErrorKind: sql.NullString{String: "transient", Valid: true}})
	c.SignalApplied(app.SignalSnooze, app.OutcomeSnoozed)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("failed", "", "transient")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.events, "escalation_events_total"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signals.WithLabelValues("snooze", "snoozed")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.TickCompleted(&app.TickReport{Escalated: 1})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `escalation_ticks_total{result="ok"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
