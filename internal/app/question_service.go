package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"question_escalation_bot/internal/domain/question"

	"github.com/sirupsen/logrus"
)

var ErrInvalidQuestion = errors.New("invalid question")

// NewQuestion is the ingestion payload for a detected question.
type NewQuestion struct {
	WorkspaceID      string
	ChannelID        string
	MessageID        string
	ThreadID         string
	AskerID          string
	Text             string
	AskedAt          time.Time
	ExternalTicketID string
	SourceApp        string
}

// QuestionService is the entry point for chat integrations that detect
// questions and for erasure requests.
type QuestionService struct {
	repo   question.Repository
	clock  Clock
	logger *logrus.Entry
}

func NewQuestionService(repo question.Repository, clock Clock, logger *logrus.Entry) *QuestionService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &QuestionService{repo: repo, clock: clock, logger: logger}
}

// CreateQuestion starts tracking a question. A message that is already
// tracked returns the existing question with created=false.
func (s *QuestionService) CreateQuestion(ctx context.Context, nq NewQuestion) (*question.Question, bool, error) {
	if nq.WorkspaceID == "" || nq.ChannelID == "" || nq.MessageID == "" || nq.AskerID == "" {
		return nil, false, fmt.Errorf("%w: workspace, channel, message and asker are required", ErrInvalidQuestion)
	}
	askedAt := nq.AskedAt
	if askedAt.IsZero() {
		askedAt = s.clock.Now()
	}

	q := &question.Question{
		WorkspaceID:      nq.WorkspaceID,
		ChannelID:        nq.ChannelID,
		MessageID:        nq.MessageID,
		ThreadID:         nullString(nq.ThreadID),
		AskerID:          nq.AskerID,
		Text:             strings.TrimSpace(nq.Text),
		AskedAt:          askedAt,
		Status:           question.StatusUnanswered,
		ExternalTicketID: nullString(nq.ExternalTicketID),
		SourceApp:        nullString(nq.SourceApp),
	}

	err := s.repo.Create(ctx, q)
	if errors.Is(err, question.ErrDuplicateMessage) {
		existing, getErr := s.repo.GetByMessage(ctx, nq.WorkspaceID, nq.MessageID)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to load already tracked question: %w", getErr)
		}
		s.logger.WithFields(logrus.Fields{
			"question_id": existing.ID,
			"message_id":  nq.MessageID,
		}).Debug("Question already tracked")
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create question: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"question_id":  q.ID,
		"workspace_id": q.WorkspaceID,
		"channel_id":   q.ChannelID,
	}).Info("Question tracked")
	return q, true, nil
}

func (s *QuestionService) Get(ctx context.Context, id int64) (*question.Question, error) {
	return s.repo.GetByID(ctx, id)
}

// Lookup returns the question tracked for a message.
func (s *QuestionService) Lookup(ctx context.Context, workspaceID, messageID string) (*question.Question, error) {
	return s.repo.GetByMessage(ctx, workspaceID, messageID)
}

// EraseMessage redacts the question posted as messageID, if tracked.
func (s *QuestionService) EraseMessage(ctx context.Context, workspaceID, messageID string) (bool, error) {
	ok, err := s.repo.Anonymize(ctx, workspaceID, messageID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to redact question: %w", err)
	}
	return ok, nil
}

// EraseAsker redacts every question asked by askerID.
func (s *QuestionService) EraseAsker(ctx context.Context, workspaceID, askerID string) (int64, error) {
	n, err := s.repo.AnonymizeAsker(ctx, workspaceID, askerID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to redact asker questions: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"workspace_id": workspaceID,
		"redacted":     n,
	}).Info("Asker data erased")
	return n, nil
}
