package pipeline

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"aegis-audit/internal/metrics"
	"aegis-audit/internal/service/ledger"
)

// VerifyScheduler runs the chain integrity verifier as a periodic
// compliance job.
type VerifyScheduler struct {
	cron     *cron.Cron
	verifier *ledger.Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	schedule string
	limit    int64
}

// NewVerifyScheduler creates a scheduler with a cron expression, e.g.
// "*/30 * * * *". limit <= 0 verifies the whole ledger each run.
func NewVerifyScheduler(verifier *ledger.Verifier, m *metrics.Metrics, logger *slog.Logger, schedule string, limit int64) *VerifyScheduler {
	return &VerifyScheduler{
		cron:     cron.New(),
		verifier: verifier,
		metrics:  m,
		logger:   logger,
		schedule: schedule,
		limit:    limit,
	}
}

// Start registers the verification job and starts the cron scheduler.
func (s *VerifyScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("chain verification scheduled", "schedule", s.schedule)
	return nil
}

// Stop stops the cron scheduler, letting a running verification finish.
func (s *VerifyScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("chain verification scheduler stopped")
}

func (s *VerifyScheduler) run() {
	result, err := s.verifier.Verify(context.Background(), s.limit)
	if err != nil {
		s.metrics.VerificationRuns.WithLabelValues("error").Inc()
		s.logger.Error("scheduled chain verification failed to run", "error", err)
		return
	}

	if result.Valid {
		s.metrics.VerificationRuns.WithLabelValues("valid").Inc()
		s.logger.Info("chain verification passed", "checked", result.Checked)
		return
	}

	s.metrics.VerificationRuns.WithLabelValues("invalid").Inc()
	for _, violation := range result.Errors {
		s.logger.Error("chain integrity violation", "detail", violation)
	}
}
