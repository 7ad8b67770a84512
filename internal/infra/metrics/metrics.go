// Package metrics exports escalation and reconciliation counters to Prometheus.
package metrics

import (
	"net/http"

	"question_escalation_bot/internal/app"
	"question_escalation_bot/internal/domain/escalation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ app.Observer = (*Collector)(nil)

// Collector implements app.Observer on its own registry so that tests and
// multiple instances never collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	tickQuestions *prometheus.CounterVec
	snoozes       prometheus.Counter
	events        *prometheus.CounterVec
	signals       *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escalation_ticks_total",
				Help: "Scheduler ticks by result",
			},
			[]string{"result"},
		),
		tickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "escalation_tick_duration_seconds",
				Help:    "Wall time of scheduler ticks that ran",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
			},
		),
		tickQuestions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escalation_questions_total",
				Help: "Questions handled by ticks, by outcome",
			},
			[]string{"outcome"},
		),
		snoozes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "escalation_snoozes_released_total",
				Help: "Snoozed questions returned to unanswered",
			},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escalation_events_total",
				Help: "Escalation ledger events by status, reason and error kind",
			},
			[]string{"status", "reason", "error_kind"},
		),
		signals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answer_signals_total",
				Help: "Answer-detection signals by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}
}

func (c *Collector) TickCompleted(r *app.TickReport) {
	if r.LockNotAcquired {
		c.ticks.WithLabelValues("lock_not_acquired").Inc()
		return
	}
	if r.Errors > 0 {
		c.ticks.WithLabelValues("with_errors").Inc()
	} else {
		c.ticks.WithLabelValues("ok").Inc()
	}
	c.tickDuration.Observe(r.Duration.Seconds())
	c.snoozes.Add(float64(r.SnoozesReleased))

	for outcome, n := range map[string]int{
		"escalated":   r.Escalated,
		"retried":     r.Retried,
		"no_targets":  r.NoTargets,
		"aborted":     r.Aborted,
		"claims_lost": r.ClaimsLost,
		"suspended":   r.Suspended,
		"errors":      r.Errors,
	} {
		if n > 0 {
			c.tickQuestions.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

func (c *Collector) EventRecorded(ev *escalation.Event) {
	c.events.WithLabelValues(string(ev.Status), ev.Reason.String, ev.ErrorKind.String).Inc()
}

func (c *Collector) SignalApplied(kind app.SignalKind, outcome app.Outcome) {
	c.signals.WithLabelValues(string(kind), string(outcome)).Inc()
}

// Registry exposes the underlying registry for scraping and tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
