// Package pipeline wires the queue, the WORM client, and the sequencer into
// the asynchronous audit-logging pipeline consumed by gateway middleware.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"aegis-audit/internal/domain"
	"aegis-audit/internal/metrics"
	"aegis-audit/internal/service/ledger"
	"aegis-audit/internal/service/queue"
	"aegis-audit/internal/service/worm"
)

const defaultSLABudget = 150 * time.Millisecond

// Service is the audit pipeline facade. Upstream middleware calls Submit on
// the request path; workers call Process through the queue.
type Service struct {
	queue     *queue.Queue
	worm      *worm.Client
	sequencer *ledger.Sequencer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	slaBudget time.Duration
}

// New creates the pipeline service. slaBudget <= 0 picks the 150ms default.
func New(q *queue.Queue, wc *worm.Client, seq *ledger.Sequencer, m *metrics.Metrics, logger *slog.Logger, slaBudget time.Duration) *Service {
	if slaBudget <= 0 {
		slaBudget = defaultSLABudget
	}
	return &Service{
		queue:     q,
		worm:      wc,
		sequencer: seq,
		metrics:   m,
		logger:    logger,
		slaBudget: slaBudget,
	}
}

// Submit enqueues the job for asynchronous processing. When the queue
// backend is unreachable it falls back to a synchronous direct write, which
// produces a chain entry indistinguishable from the queued path.
func (s *Service) Submit(ctx context.Context, job *domain.LogJob) error {
	err := s.queue.Enqueue(ctx, job)
	if err == nil {
		return nil
	}

	var unavailable *domain.UnavailableError
	if !errors.As(err, &unavailable) {
		return err
	}

	s.logger.Warn("queue unavailable, writing audit entry synchronously",
		"request_id", job.RequestID, "error", err)
	_, procErr := s.Process(ctx, job)
	return procErr
}

// Handle adapts Process to the queue's handler contract. Any error leaves
// the delivery unacknowledged so the queue retries or dead-letters it.
func (s *Service) Handle(ctx context.Context, job *domain.LogJob) error {
	_, err := s.Process(ctx, job)
	return err
}

// Process runs the per-job state machine: sanitize and persist the WORM
// snapshot, append the chain entry referencing it, then record latency.
// There is no partial success: a failure after the WORM write leaves an
// orphaned (harmless) snapshot and the whole job is retried.
func (s *Service) Process(ctx context.Context, job *domain.LogJob) (*domain.ChainEntry, error) {
	start := time.Now()

	if err := job.Validate(); err != nil {
		s.observe(start, "invalid")
		return nil, err
	}

	key, err := s.worm.Write(ctx, job)
	if err != nil {
		s.metrics.WormWrites.WithLabelValues("error").Inc()
		s.observe(start, "worm_error")
		return nil, err
	}
	s.metrics.WormWrites.WithLabelValues("success").Inc()

	entry, err := s.sequencer.Append(ctx, domain.AppendRequest{
		RequestID:          job.RequestID,
		Method:             job.Method,
		URL:                job.URL,
		StatusCode:         job.StatusCode,
		ResponseTimeMs:     job.ResponseTimeMs,
		IP:                 job.IP,
		TenantID:           job.TenantID,
		ComplianceMetadata: job.ComplianceMetadata,
		WormObjectKey:      key,
		LogTimestamp:       job.Timestamp,
	})
	if err != nil {
		s.observe(start, "chain_error")
		return nil, err
	}

	s.metrics.LedgerSequence.Set(float64(entry.SequenceNumber))
	elapsed := s.observe(start, "success")

	// SLA breach is observability only: warn once, the job still acks.
	if elapsed > s.slaBudget {
		s.metrics.SLABreaches.Inc()
		s.logger.Warn("audit job exceeded SLA budget",
			"request_id", job.RequestID,
			"sequence", entry.SequenceNumber,
			"elapsed", elapsed,
			"budget", s.slaBudget,
		)
	}

	return entry, nil
}

// StartWorker starts the consumer pool over this pipeline.
func (s *Service) StartWorker() *queue.Worker {
	return s.queue.NewWorker(s.Handle)
}

func (s *Service) observe(start time.Time, outcome string) time.Duration {
	elapsed := time.Since(start)
	s.metrics.JobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	return elapsed
}
