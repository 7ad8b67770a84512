package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"question_escalation_bot/internal/domain/chat"
	"question_escalation_bot/internal/domain/escalation"
	"question_escalation_bot/internal/domain/question"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrTickInProgress is returned when RunTick is called while another tick is
// still running in this process.
var ErrTickInProgress = errors.New("escalation tick already in progress")

// Clock lets tests control the scheduler's notion of now.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TickLock extends single-flight across processes. Acquire returns false
// when another holder owns the lock.
type TickLock interface {
	Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, token string) error
}

// Observer receives counters for metrics. All methods must be cheap.
type Observer interface {
	TickCompleted(report *TickReport)
	EventRecorded(ev *escalation.Event)
	SignalApplied(kind SignalKind, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) TickCompleted(*TickReport) {}
func (nopObserver) EventRecorded(*escalation.Event) {}
func (nopObserver) SignalApplied(SignalKind, Outcome) {}

// TickReport summarizes one scheduler tick.
type TickReport struct {
	TickID          string
	StartedAt       time.Time
	Duration        time.Duration
	LockNotAcquired bool

	SnoozesReleased int64
	Candidates      int
	Due             int
	Suspended       int // hybrid questions with a thread reply in progress
	ClaimsLost      int
	Escalated       int
	Retried         int // level kept for another attempt
	NoTargets       int
	Aborted         int // closed between claim and dispatch
	Errors          int

	Notified int
	Failed   int
	Skipped  int
}

type EscalationOptions struct {
	DispatchConcurrency int
	MaxAttemptsPerLevel int
	ClaimTTL            time.Duration
	BatchSize           int // candidates read per page
	LockTTL             time.Duration
}

func (o EscalationOptions) withDefaults() EscalationOptions {
	if o.DispatchConcurrency <= 0 {
		o.DispatchConcurrency = 8
	}
	if o.MaxAttemptsPerLevel <= 0 {
		o.MaxAttemptsPerLevel = 1
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.LockTTL <= 0 {
		o.LockTTL = o.ClaimTTL
	}
	return o
}

// EscalationService runs escalation ticks.
type EscalationService interface {
	RunTick(ctx context.Context) (*TickReport, error)
}

type EscalationServiceImpl struct {
	questions  question.Repository
	events     escalation.EventRepository
	resolver   Resolver
	dispatcher *Dispatcher
	clock      Clock
	opts       EscalationOptions
	logger     *logrus.Entry

	lock     TickLock
	observer Observer
	running  sync.Mutex
}

func NewEscalationServiceImpl(
	questions question.Repository,
	events escalation.EventRepository,
	resolver Resolver,
	dispatcher *Dispatcher,
	clock Clock,
	opts EscalationOptions,
	logger *logrus.Entry,
) *EscalationServiceImpl {
	if clock == nil {
		clock = SystemClock{}
	}
	return &EscalationServiceImpl{
		questions:  questions,
		events:     events,
		resolver:   resolver,
		dispatcher: dispatcher,
		clock:      clock,
		opts:       opts.withDefaults(),
		logger:     logger,
		observer:   nopObserver{},
	}
}

// WithTickLock makes ticks contend for a lock shared between replicas.
func (s *EscalationServiceImpl) WithTickLock(l TickLock) *EscalationServiceImpl {
	s.lock = l
	return s
}

func (s *EscalationServiceImpl) WithObserver(o Observer) *EscalationServiceImpl {
	if o != nil {
		s.observer = o
	}
	return s
}

// RunTick escalates every question that is due now. Per-question failures
// are logged and counted, never returned; the error result is reserved for
// failures that prevent the tick from starting.
func (s *EscalationServiceImpl) RunTick(ctx context.Context) (*TickReport, error) {
	if !s.running.TryLock() {
		return nil, ErrTickInProgress
	}
	defer s.running.Unlock()

	started := time.Now()
	now := s.clock.Now()
	report := &TickReport{TickID: uuid.NewString(), StartedAt: now}
	tickLogger := s.logger.WithField("tick_id", report.TickID)
	defer func() {
		report.Duration = time.Since(started)
		s.observer.TickCompleted(report)
	}()

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx, report.TickID, s.opts.LockTTL)
		if err != nil {
			return report, fmt.Errorf("failed to acquire tick lock: %w", err)
		}
		if !acquired {
			report.LockNotAcquired = true
			tickLogger.Debug("Tick lock held elsewhere, skipping tick")
			return report, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx), report.TickID); err != nil {
				tickLogger.WithError(err).Warn("Failed to release tick lock")
			}
		}()
	}

	released, err := s.questions.ReleaseExpiredSnoozes(ctx, now)
	if err != nil {
		report.Errors++
		tickLogger.WithError(err).Error("Failed to release expired snoozes")
	}
	report.SnoozesReleased = released

	resolver := newTickResolver(s.resolver)
	var afterID int64
pages:
	for {
		candidates, err := s.questions.ListEscalationCandidates(ctx, now.Add(-s.opts.ClaimTTL), afterID, s.opts.BatchSize)
		if err != nil {
			if afterID == 0 {
				return report, fmt.Errorf("failed to list escalation candidates: %w", err)
			}
			report.Errors++
			tickLogger.WithError(err).WithField("after_id", afterID).Error("Failed to list next page of escalation candidates")
			break
		}
		report.Candidates += len(candidates)

		for _, q := range candidates {
			if ctx.Err() != nil {
				// Unprocessed questions keep their state and are picked up next tick.
				tickLogger.WithError(ctx.Err()).Warn("Tick cancelled before all candidates were processed")
				break pages
			}
			s.processQuestion(ctx, tickLogger, resolver, q, now, report)
			afterID = q.ID
		}
		if len(candidates) < s.opts.BatchSize {
			break
		}
	}

	tickLogger.WithFields(logrus.Fields{
		"candidates": report.Candidates,
		"due":        report.Due,
		"escalated":  report.Escalated,
		"retried":    report.Retried,
		"no_targets": report.NoTargets,
		"aborted":    report.Aborted,
		"errors":     report.Errors,
	}).Info("Escalation tick finished")
	return report, nil
}

func (s *EscalationServiceImpl) processQuestion(ctx context.Context, tickLogger *logrus.Entry, resolver Resolver, q *question.Question, now time.Time, report *TickReport) {
	qLogger := tickLogger.WithFields(logrus.Fields{
		"question_id":  q.ID,
		"workspace_id": q.WorkspaceID,
		"channel_id":   q.ChannelID,
	})
	defer func() {
		if r := recover(); r != nil {
			report.Errors++
			qLogger.WithField("panic", r).Error("Recovered from panic while escalating question")
		}
	}()

	level := q.NextLevel()
	if level == 0 {
		return
	}
	cfg, err := resolver.EffectiveConfig(ctx, q.WorkspaceID, q.ChannelID)
	if err != nil {
		report.Errors++
		qLogger.WithError(err).Error("Failed to resolve escalation config")
		return
	}
	if cfg.AnswerMode == escalation.AnswerModeHybrid && q.HandlingSince.Valid {
		report.Suspended++
		return
	}
	if !q.IsDue(now, cfg.DelayForLevel(level)) {
		return
	}
	report.Due++

	token := uuid.NewString()
	claimed, err := s.questions.ClaimForEscalation(ctx, q.ID, q.Version, token, now, now.Add(-s.opts.ClaimTTL))
	if err != nil {
		report.Errors++
		qLogger.WithError(err).Error("Failed to claim question for escalation")
		return
	}
	if !claimed {
		report.ClaimsLost++
		qLogger.Debug("Question claimed or changed by someone else, skipping")
		return
	}

	s.escalate(ctx, qLogger.WithField("level", level), resolver, q, level, token, now, report)
}

// escalate runs one level for a claimed question. Every return path either
// completes the escalation or releases the claim.
func (s *EscalationServiceImpl) escalate(ctx context.Context, qLogger *logrus.Entry, resolver Resolver, q *question.Question, level int, token string, now time.Time, report *TickReport) {
	// Writes after this point must not be cut short by tick cancellation.
	writeCtx := context.WithoutCancel(ctx)
	settled := false
	defer func() {
		if !settled {
			if err := s.questions.ReleaseClaim(writeCtx, q.ID, token); err != nil {
				qLogger.WithError(err).Warn("Failed to release escalation claim")
			}
		}
	}()

	attempt := q.LevelAttempts + 1
	newEvent := func(t escalation.Target, status escalation.EventStatus) *escalation.Event {
		ev := &escalation.Event{
			QuestionID:  q.ID,
			WorkspaceID: q.WorkspaceID,
			TickID:      report.TickID,
			Level:       level,
			Attempt:     attempt,
			Status:      status,
			CreatedAt:   now,
		}
		if t != nil {
			ev.TargetType = nullString(string(t.Type()))
			ev.TargetID = nullString(t.Identifier())
		}
		return ev
	}

	targets, err := resolver.Resolve(ctx, q.WorkspaceID, q.ChannelID, level)
	if errors.Is(err, escalation.ErrTargetResolutionEmpty) {
		ev := newEvent(nil, escalation.EventSkipped)
		ev.Reason = nullString(escalation.SkipNoTargets)
		s.appendEvents(writeCtx, qLogger, report, []*escalation.Event{ev})

		// Move the basis forward without fabricating a level.
		err := s.questions.CompleteEscalation(writeCtx, q.ID, token, question.Advance{
			Level:           q.EscalationLevel,
			LevelAttempts:   q.LevelAttempts,
			LastEscalatedAt: nullTime(now),
		})
		settled = true
		if err != nil {
			report.Errors++
			qLogger.WithError(err).Error("Failed to record empty target resolution")
			return
		}
		report.NoTargets++
		qLogger.Warn("No escalation targets configured for level, skipped")
		return
	}
	if err != nil {
		report.Errors++
		qLogger.WithError(err).Error("Failed to resolve escalation targets")
		return
	}

	closedEvents := func(reason string) []*escalation.Event {
		evs := make([]*escalation.Event, 0, len(targets))
		for _, t := range targets {
			ev := newEvent(t, escalation.EventSkipped)
			ev.Reason = nullString(reason)
			evs = append(evs, ev)
		}
		return evs
	}

	current, err := s.questions.GetByID(ctx, q.ID)
	if err != nil {
		report.Errors++
		qLogger.WithError(err).Error("Failed to re-read question before dispatch")
		return
	}
	if current.Status != question.StatusUnanswered {
		s.appendEvents(writeCtx, qLogger, report, closedEvents(escalation.SkipQuestionClosed))
		report.Aborted++
		qLogger.WithField("status", current.Status).Info("Question closed before dispatch, escalation aborted")
		return
	}

	done, err := s.events.SucceededTargets(ctx, q.ID, level)
	if err != nil {
		report.Errors++
		qLogger.WithError(err).Error("Failed to read notified targets")
		return
	}

	events := make([]*escalation.Event, len(targets))
	var closed atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(s.opts.DispatchConcurrency)
	for i, t := range targets {
		if done[escalation.TargetKey(t)] {
			ev := newEvent(t, escalation.EventSkipped)
			ev.Reason = nullString(escalation.SkipAlreadyNotified)
			events[i] = ev
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					ev := newEvent(t, escalation.EventFailed)
					ev.ErrorKind = nullString(string(chat.ErrorKindUnknown))
					ev.ErrorDetail = nullString(fmt.Sprintf("panic: %v", r))
					events[i] = ev
				}
			}()
			if closed.Load() || s.closedSince(ctx, q.ID) {
				closed.Store(true)
				ev := newEvent(t, escalation.EventSkipped)
				ev.Reason = nullString(escalation.SkipQuestionClosed)
				events[i] = ev
				return nil
			}
			res := s.dispatcher.Dispatch(ctx, t, current, level, now)
			if res.Success {
				events[i] = newEvent(t, escalation.EventSuccess)
				return nil
			}
			ev := newEvent(t, escalation.EventFailed)
			ev.ErrorKind = nullString(string(res.ErrorKind))
			if res.Err != nil {
				ev.ErrorDetail = nullString(truncate(res.Err.Error(), 500))
			}
			events[i] = ev
			return nil
		})
	}
	_ = g.Wait()

	s.appendEvents(writeCtx, qLogger, report, events)

	var dispatched, failed int
	for _, ev := range events {
		switch ev.Status {
		case escalation.EventSuccess:
			dispatched++
		case escalation.EventFailed:
			dispatched++
			failed++
		}
	}
	if dispatched == 0 && closed.Load() {
		report.Aborted++
		qLogger.Info("Question closed during dispatch, escalation aborted")
		return
	}

	adv := question.Advance{Level: level, LastEscalatedAt: nullTime(now)}
	retry := failed > 0 && attempt < s.opts.MaxAttemptsPerLevel
	if retry {
		adv = question.Advance{Level: q.EscalationLevel, LevelAttempts: attempt}
	}
	err = s.questions.CompleteEscalation(writeCtx, q.ID, token, adv)
	settled = true
	if err != nil {
		report.Errors++
		qLogger.WithError(err).Error("Failed to complete escalation")
		return
	}

	entry := qLogger.WithFields(logrus.Fields{
		"attempt": attempt,
		"targets": len(targets),
		"failed":  failed,
	})
	if retry {
		report.Retried++
		entry.Warn("Escalation had failures, level will be retried")
		return
	}
	report.Escalated++
	entry.Info("Question escalated")
}

// closedSince reports whether the question left unanswered since the
// pre-dispatch check. Read errors do not block dispatch.
func (s *EscalationServiceImpl) closedSince(ctx context.Context, id int64) bool {
	q, err := s.questions.GetByID(ctx, id)
	if err != nil {
		return false
	}
	return q.Status != question.StatusUnanswered
}

func (s *EscalationServiceImpl) appendEvents(ctx context.Context, qLogger *logrus.Entry, report *TickReport, events []*escalation.Event) {
	for _, ev := range events {
		switch ev.Status {
		case escalation.EventSuccess:
			report.Notified++
		case escalation.EventFailed:
			report.Failed++
		case escalation.EventSkipped:
			report.Skipped++
		}
		s.observer.EventRecorded(ev)
	}
	if err := s.events.Append(ctx, events); err != nil {
		report.Errors++
		qLogger.WithError(err).Error("Failed to append escalation events")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
