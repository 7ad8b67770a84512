package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"question_escalation_bot/internal/domain/escalation"
	"question_escalation_bot/internal/domain/question"

	"github.com/sirupsen/logrus"
)

var ErrInvalidSnoozeDuration = errors.New("snooze duration out of range")

// SignalKind names an inbound chat event that may change a question's status.
type SignalKind string

const (
	// SignalMarkerOnOriginal is the answered marker put on the question itself.
	SignalMarkerOnOriginal SignalKind = "marker_on_original"
	// SignalThreadReply is any reply posted in the question's thread.
	SignalThreadReply SignalKind = "thread_reply"
	// SignalConfirmReply is the answered marker put on a thread reply.
	SignalConfirmReply SignalKind = "confirm_reply"
	SignalDismiss      SignalKind = "dismiss"
	SignalSnooze       SignalKind = "snooze"
)

// Signal identifies the question by its message and carries who acted.
type Signal struct {
	Kind        SignalKind
	WorkspaceID string
	MessageID   string // message of the question
	ActorID     string
	ActorIsBot  bool
	At          time.Time // zero means now

	ReplyMessageID string // thread reply that answers, for replies and confirmations
	ReplyAuthorID  string // author of the confirmed reply
	SnoozeMinutes  int
}

// Outcome describes what a signal did.
type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeDismissed     Outcome = "dismissed"
	OutcomeSnoozed       Outcome = "snoozed"
	OutcomeHandling      Outcome = "handling"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeAlreadyClosed Outcome = "already_closed"
	OutcomeUntracked     Outcome = "untracked"
)

// MarkerPolicy decides who may mark a question answered.
type MarkerPolicy string

const (
	MarkerAnyone    MarkerPolicy = "anyone"
	MarkerAskerOnly MarkerPolicy = "asker_only"
)

func (p MarkerPolicy) Valid() bool {
	return p == MarkerAnyone || p == MarkerAskerOnly
}

func (p MarkerPolicy) allows(actorID, askerID string) bool {
	return p != MarkerAskerOnly || actorID == askerID
}

const (
	DefaultSnoozeMaxMinutes = 7 * 24 * 60
	conflictRetries         = 3
)

type ReconcilerOptions struct {
	OriginalMarkerPolicy MarkerPolicy
	ConfirmReplyPolicy   MarkerPolicy
	SnoozeMaxMinutes     int
}

// Reconciler applies answer, dismiss and snooze signals to questions.
// Signals for one question are applied one at a time in this process; the
// repository's conditional writes cover other processes and the scheduler.
type Reconciler struct {
	questions question.Repository
	resolver  Resolver
	clock     Clock
	opts      ReconcilerOptions
	logger    *logrus.Entry
	observer  Observer
	locks     *keyedMutex
}

func NewReconciler(questions question.Repository, resolver Resolver, clock Clock, opts ReconcilerOptions, logger *logrus.Entry) *Reconciler {
	if clock == nil {
		clock = SystemClock{}
	}
	if !opts.OriginalMarkerPolicy.Valid() {
		opts.OriginalMarkerPolicy = MarkerAnyone
	}
	if !opts.ConfirmReplyPolicy.Valid() {
		opts.ConfirmReplyPolicy = MarkerAskerOnly
	}
	if opts.SnoozeMaxMinutes <= 0 {
		opts.SnoozeMaxMinutes = DefaultSnoozeMaxMinutes
	}
	return &Reconciler{
		questions: questions,
		resolver:  resolver,
		clock:     clock,
		opts:      opts,
		logger:    logger,
		observer:  nopObserver{},
		locks:     newKeyedMutex(),
	}
}

func (r *Reconciler) WithObserver(o Observer) *Reconciler {
	if o != nil {
		r.observer = o
	}
	return r
}

// Apply applies sig to the question it refers to. Unknown questions and
// already closed questions are not errors.
func (r *Reconciler) Apply(ctx context.Context, sig Signal) (Outcome, error) {
	outcome, err := r.apply(ctx, sig)
	if err == nil {
		r.observer.SignalApplied(sig.Kind, outcome)
	}
	return outcome, err
}

func (r *Reconciler) apply(ctx context.Context, sig Signal) (Outcome, error) {
	if sig.ActorIsBot {
		return OutcomeIgnored, nil
	}
	if sig.Kind == SignalSnooze && (sig.SnoozeMinutes < 1 || sig.SnoozeMinutes > r.opts.SnoozeMaxMinutes) {
		return OutcomeIgnored, fmt.Errorf("%w: %d minutes, allowed 1..%d", ErrInvalidSnoozeDuration, sig.SnoozeMinutes, r.opts.SnoozeMaxMinutes)
	}
	if sig.At.IsZero() {
		sig.At = r.clock.Now()
	}

	unlock := r.locks.Lock(sig.WorkspaceID + "/" + sig.MessageID)
	defer unlock()

	logger := r.logger.WithFields(logrus.Fields{
		"signal":       sig.Kind,
		"workspace_id": sig.WorkspaceID,
		"message_id":   sig.MessageID,
		"actor_id":     sig.ActorID,
	})

	for attempt := 1; attempt <= conflictRetries; attempt++ {
		q, err := r.questions.GetByMessage(ctx, sig.WorkspaceID, sig.MessageID)
		if errors.Is(err, question.ErrNotFound) {
			return OutcomeUntracked, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to load question: %w", err)
		}
		if q.Status.IsTerminal() {
			return OutcomeAlreadyClosed, nil
		}

		outcome, err := r.applyTo(ctx, q, sig)
		if errors.Is(err, question.ErrConcurrentStateConflict) {
			logger.WithField("attempt", attempt).Debug("Question changed concurrently, retrying signal")
			continue
		}
		if err != nil {
			return "", err
		}
		if outcome != OutcomeIgnored {
			logger.WithFields(logrus.Fields{
				"question_id": q.ID,
				"outcome":     outcome,
			}).Info("Answer signal applied")
		}
		return outcome, nil
	}
	return "", fmt.Errorf("signal %s for message %s: %w", sig.Kind, sig.MessageID, question.ErrConcurrentStateConflict)
}

func (r *Reconciler) applyTo(ctx context.Context, q *question.Question, sig Signal) (Outcome, error) {
	switch sig.Kind {
	case SignalDismiss:
		return r.transition(ctx, q, question.StatusChange{To: question.StatusDismissed, At: sig.At}, OutcomeDismissed)

	case SignalSnooze:
		until := sig.At.Add(time.Duration(sig.SnoozeMinutes) * time.Minute)
		return r.transition(ctx, q, question.StatusChange{To: question.StatusSnoozed, At: sig.At, SnoozedUntil: until}, OutcomeSnoozed)

	case SignalMarkerOnOriginal:
		if !r.opts.OriginalMarkerPolicy.allows(sig.ActorID, q.AskerID) {
			return OutcomeIgnored, nil
		}
		return r.transition(ctx, q, question.StatusChange{
			To:         question.StatusAnswered,
			At:         sig.At,
			AnsweredBy: sig.ActorID,
		}, OutcomeAnswered)
	}

	cfg, err := r.resolver.EffectiveConfig(ctx, q.WorkspaceID, q.ChannelID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve answer mode: %w", err)
	}

	switch sig.Kind {
	case SignalThreadReply:
		if sig.ActorID == q.AskerID {
			return OutcomeIgnored, nil
		}
		switch cfg.AnswerMode {
		case escalation.AnswerModeThreadAuto:
			return r.transition(ctx, q, question.StatusChange{
				To:                 question.StatusAnswered,
				At:                 sig.At,
				AnsweredBy:         sig.ActorID,
				AnsweringMessageID: sig.ReplyMessageID,
			}, OutcomeAnswered)
		case escalation.AnswerModeHybrid:
			marked, err := r.questions.MarkHandling(ctx, q.ID, sig.At)
			if err != nil {
				return "", fmt.Errorf("failed to mark question handled: %w", err)
			}
			if !marked {
				return OutcomeAlreadyClosed, nil
			}
			return OutcomeHandling, nil
		default:
			return OutcomeIgnored, nil
		}

	case SignalConfirmReply:
		if cfg.AnswerMode == escalation.AnswerModeEmojiOnly {
			return OutcomeIgnored, nil
		}
		if sig.ReplyAuthorID == q.AskerID || !r.opts.ConfirmReplyPolicy.allows(sig.ActorID, q.AskerID) {
			return OutcomeIgnored, nil
		}
		return r.transition(ctx, q, question.StatusChange{
			To:                 question.StatusAnswered,
			At:                 sig.At,
			AnsweredBy:         sig.ReplyAuthorID,
			AnsweringMessageID: sig.ReplyMessageID,
		}, OutcomeAnswered)
	}

	return OutcomeIgnored, fmt.Errorf("unknown signal kind %q", sig.Kind)
}

func (r *Reconciler) transition(ctx context.Context, q *question.Question, change question.StatusChange, outcome Outcome) (Outcome, error) {
	if err := question.ValidateTransition(q.Status, change.To); err != nil {
		return "", err
	}
	if _, err := r.questions.Transition(ctx, q.ID, q.Status, change); err != nil {
		return "", err
	}
	return outcome, nil
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
