package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"question_escalation_bot/internal/app" // For EscalationService interface

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// EscalationScheduler runs escalation ticks on a fixed interval. A tick that
// is still running when the next one fires causes that one to be skipped.
type EscalationScheduler struct {
	cronEngine *cron.Cron
	service    app.EscalationService
	logger     *logrus.Entry
	timeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewEscalationScheduler(service app.EscalationService, logger *logrus.Entry, tickTimeout time.Duration) *EscalationScheduler {
	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &EscalationScheduler{
		cronEngine: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		service: service,
		logger:  logger,
		timeout: tickTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start schedules the tick every interval and starts the cron engine.
func (s *EscalationScheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", interval)
	}
	s.logger.WithField("interval", interval.String()).Info("Starting escalation scheduler...")

	_, err := s.cronEngine.AddFunc(fmt.Sprintf("@every %s", interval), s.RunOnce)
	if err != nil {
		return fmt.Errorf("could not add escalation tick job: %w", err)
	}

	s.cronEngine.Start()
	s.logger.Info("Escalation scheduler started.")
	return nil
}

// RunOnce executes a single tick with the configured timeout.
func (s *EscalationScheduler) RunOnce() {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	report, err := s.service.RunTick(ctx)
	if err != nil {
		if errors.Is(err, app.ErrTickInProgress) {
			s.logger.Warn("Previous escalation tick still running, skipping")
			return
		}
		s.logger.WithError(err).Error("Escalation tick failed")
		return
	}
	if report.LockNotAcquired {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"tick_id":     report.TickID,
		"duration_ms": report.Duration.Milliseconds(),
	}).Debug("Escalation tick completed")
}

// Stop prevents new ticks and waits for a running one to finish.
func (s *EscalationScheduler) Stop() {
	s.logger.Info("Stopping escalation scheduler...")
	ctx := s.cronEngine.Stop() // Stops the scheduler from adding new jobs, waits for running jobs.
	<-ctx.Done()               // Wait for graceful shutdown
	s.cancel()
	s.logger.Info("Escalation scheduler gracefully stopped.")
}
