// Package memory keeps questions, escalation settings and the audit ledger in
// process memory. It backs STORE_BACKEND=memory and the service tests, and
// applies the same conditional-write rules as the Postgres repositories.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"question_escalation_bot/internal/domain/escalation"
	"question_escalation_bot/internal/domain/question"
)

var (
	_ question.Repository         = (*Store)(nil)
	_ escalation.ConfigRepository = (*Store)(nil)
	_ escalation.TargetRepository = (*Store)(nil)
	_ escalation.EventRepository  = (*Store)(nil)
)

type Store struct {
	mu sync.Mutex

	questions map[int64]*question.Question
	byMessage map[string]int64
	configs   map[string]*escalation.Config
	targets   map[int64]*escalation.TargetRecord
	events    []*escalation.Event

	nextQuestionID int64
	nextConfigID   int64
	nextTargetID   int64
	nextEventID    int64

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		questions: make(map[int64]*question.Question),
		byMessage: make(map[string]int64),
		configs:   make(map[string]*escalation.Config),
		targets:   make(map[int64]*escalation.TargetRecord),
		now:       time.Now,
	}
}

func scopeKey(workspaceID, id string) string {
	return workspaceID + "\x00" + id
}

func copyQuestion(q *question.Question) *question.Question {
	c := *q
	return &c
}

// --- questions ---

func (s *Store) Create(_ context.Context, q *question.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey(q.WorkspaceID, q.MessageID)
	if _, ok := s.byMessage[key]; ok {
		return question.ErrDuplicateMessage
	}
	s.nextQuestionID++
	now := s.now()
	q.ID = s.nextQuestionID
	if q.Status == "" {
		q.Status = question.StatusUnanswered
	}
	q.Version = 1
	q.CreatedAt = now
	q.UpdatedAt = now

	s.questions[q.ID] = copyQuestion(q)
	s.byMessage[key] = q.ID
	return nil
}

func (s *Store) GetByID(_ context.Context, id int64) (*question.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, question.ErrNotFound
	}
	return copyQuestion(q), nil
}

func (s *Store) GetByMessage(_ context.Context, workspaceID, messageID string) (*question.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byMessage[scopeKey(workspaceID, messageID)]
	if !ok {
		return nil, question.ErrNotFound
	}
	return copyQuestion(s.questions[id]), nil
}

func (s *Store) ListEscalationCandidates(_ context.Context, staleClaimBefore time.Time, afterID int64, limit int) ([]*question.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*question.Question, 0)
	for _, q := range s.questions {
		if q.ID <= afterID {
			continue
		}
		if q.Status != question.StatusUnanswered || q.EscalationLevel >= question.MaxEscalationLevel {
			continue
		}
		if q.IsClaimed(staleClaimBefore) {
			continue
		}
		out = append(out, copyQuestion(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ReleaseExpiredSnoozes(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	for _, q := range s.questions {
		if q.Status != question.StatusSnoozed || !q.SnoozedUntil.Valid || q.SnoozedUntil.Time.After(now) {
			continue
		}
		q.Status = question.StatusUnanswered
		q.LastEscalatedAt = laterOf(q.LastEscalatedAt, q.SnoozedUntil.Time)
		q.SnoozedUntil = sql.NullTime{}
		s.touch(q)
		released++
	}
	return released, nil
}

func (s *Store) ClaimForEscalation(_ context.Context, id int64, expectedVersion int64, token string, now, staleClaimBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return false, question.ErrNotFound
	}
	if q.Status != question.StatusUnanswered || q.Version != expectedVersion || q.IsClaimed(staleClaimBefore) {
		return false, nil
	}
	q.ClaimToken = sql.NullString{String: token, Valid: true}
	q.ClaimedAt = sql.NullTime{Time: now, Valid: true}
	s.touch(q)
	return true, nil
}

func (s *Store) CompleteEscalation(_ context.Context, id int64, token string, adv question.Advance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return question.ErrNotFound
	}
	if !q.ClaimToken.Valid || q.ClaimToken.String != token {
		return question.ErrConcurrentStateConflict
	}
	if adv.Level > q.EscalationLevel {
		q.EscalationLevel = adv.Level
	}
	q.LevelAttempts = adv.LevelAttempts
	if adv.LastEscalatedAt.Valid {
		q.LastEscalatedAt = laterOf(q.LastEscalatedAt, adv.LastEscalatedAt.Time)
	}
	q.ClaimToken = sql.NullString{}
	q.ClaimedAt = sql.NullTime{}
	s.touch(q)
	return nil
}

func (s *Store) ReleaseClaim(_ context.Context, id int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return question.ErrNotFound
	}
	if !q.ClaimToken.Valid || q.ClaimToken.String != token {
		return nil
	}
	q.ClaimToken = sql.NullString{}
	q.ClaimedAt = sql.NullTime{}
	s.touch(q)
	return nil
}

func (s *Store) Transition(_ context.Context, id int64, from question.Status, change question.StatusChange) (*question.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return nil, question.ErrNotFound
	}
	if q.Status != from {
		return nil, question.ErrConcurrentStateConflict
	}
	if err := question.ValidateTransition(from, change.To); err != nil {
		return nil, err
	}

	q.Status = change.To
	switch change.To {
	case question.StatusAnswered:
		q.AnsweredAt = sql.NullTime{Time: change.At, Valid: true}
		q.AnsweredBy = nullString(change.AnsweredBy)
		q.AnsweringMessageID = nullString(change.AnsweringMessageID)
		q.SnoozedUntil = sql.NullTime{}
	case question.StatusDismissed:
		q.SnoozedUntil = sql.NullTime{}
	case question.StatusSnoozed:
		q.SnoozedUntil = sql.NullTime{Time: change.SnoozedUntil, Valid: true}
	case question.StatusUnanswered:
		q.SnoozedUntil = sql.NullTime{}
		q.LastEscalatedAt = laterOf(q.LastEscalatedAt, change.At)
	}
	s.touch(q)
	return copyQuestion(q), nil
}

func (s *Store) MarkHandling(_ context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return false, question.ErrNotFound
	}
	if q.Status.IsTerminal() {
		return false, nil
	}
	if !q.HandlingSince.Valid {
		q.HandlingSince = sql.NullTime{Time: now, Valid: true}
	}
	q.LastEscalatedAt = laterOf(q.LastEscalatedAt, now)
	s.touch(q)
	return true, nil
}

func (s *Store) Anonymize(_ context.Context, workspaceID, messageID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byMessage[scopeKey(workspaceID, messageID)]
	if !ok {
		return false, nil
	}
	s.redact(s.questions[id], now)
	return true, nil
}

func (s *Store) AnonymizeAsker(_ context.Context, workspaceID, askerID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, q := range s.questions {
		if q.WorkspaceID == workspaceID && q.AskerID == askerID {
			s.redact(q, now)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) redact(q *question.Question, now time.Time) {
	q.Text = question.RedactedText
	q.AskerID = question.RedactedAsker
	q.RedactedAt = sql.NullTime{Time: now, Valid: true}
	s.touch(q)
}

func (s *Store) touch(q *question.Question) {
	q.Version++
	q.UpdatedAt = s.now()
}

func laterOf(cur sql.NullTime, t time.Time) sql.NullTime {
	if cur.Valid && cur.Time.After(t) {
		return cur
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- escalation configs ---

func (s *Store) GetConfig(_ context.Context, workspaceID, channelID string) (*escalation.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[scopeKey(workspaceID, channelID)]
	if !ok {
		return nil, escalation.ErrConfigNotFound
	}
	c := *cfg
	return &c, nil
}

func (s *Store) UpsertConfig(_ context.Context, cfg *escalation.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey(cfg.WorkspaceID, cfg.ChannelID.String)
	now := s.now()
	if existing, ok := s.configs[key]; ok {
		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
	} else {
		s.nextConfigID++
		cfg.ID = s.nextConfigID
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	c := *cfg
	s.configs[key] = &c
	return nil
}

// --- escalation targets ---

func (s *Store) ListTargets(_ context.Context, workspaceID, channelID string, level int) ([]*escalation.TargetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*escalation.TargetRecord, 0)
	for _, t := range s.targets {
		if t.WorkspaceID != workspaceID || t.ChannelID.String != channelID || t.Level != level {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAllTargets(_ context.Context, workspaceID string) ([]*escalation.TargetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*escalation.TargetRecord, 0)
	for _, t := range s.targets {
		if t.WorkspaceID == workspaceID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddTarget(_ context.Context, t *escalation.TargetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.targets {
		if existing.WorkspaceID == t.WorkspaceID && existing.ChannelID.String == t.ChannelID.String &&
			existing.Level == t.Level && existing.Type == t.Type && existing.Identifier == t.Identifier {
			return escalation.ErrDuplicateTarget
		}
	}
	s.nextTargetID++
	t.ID = s.nextTargetID
	t.CreatedAt = s.now()
	c := *t
	s.targets[t.ID] = &c
	return nil
}

func (s *Store) RemoveTarget(_ context.Context, workspaceID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok || t.WorkspaceID != workspaceID {
		return escalation.ErrTargetNotFound
	}
	delete(s.targets, id)
	return nil
}

// --- escalation events ---

func (s *Store) Append(_ context.Context, events []*escalation.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, e := range events {
		s.nextEventID++
		e.ID = s.nextEventID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		c := *e
		s.events = append(s.events, &c)
	}
	return nil
}

func (s *Store) SucceededTargets(_ context.Context, questionID int64, level int) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(map[string]bool)
	for _, e := range s.events {
		if e.QuestionID == questionID && e.Level == level && e.Status == escalation.EventSuccess {
			if key := e.TargetKey(); key != "" {
				done[key] = true
			}
		}
	}
	return done, nil
}

func (s *Store) ListForQuestion(_ context.Context, questionID int64) ([]*escalation.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*escalation.Event, 0)
	for _, e := range s.events {
		if e.QuestionID == questionID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
