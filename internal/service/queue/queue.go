// Package queue drives the durable at-least-once log-job queue: enqueueing
// with internal retry, a bounded worker pool, exponential backoff, stalled
// claim recovery, and dead-lettering.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"aegis-audit/internal/domain"
	"aegis-audit/internal/metrics"
)

// Handler processes one delivered job. Returning an error leaves the job
// unacknowledged so the queue's retry mechanism applies; there is no partial
// acknowledgment.
type Handler func(ctx context.Context, job *domain.LogJob) error

// Config tunes queue behavior. Zero values pick production defaults.
type Config struct {
	// Concurrency bounds parallel handler invocations per worker handle.
	Concurrency int
	// MaxAttempts before a job is dead-lettered.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt up to
	// BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// PollInterval is the idle sleep when no job is due.
	PollInterval time.Duration
	// ClaimLease is how long a claim holds before the job counts as stalled.
	ClaimLease time.Duration
	// SweepInterval is how often stalled claims are recovered.
	SweepInterval time.Duration
	// EnqueueAttempts bounds the internal retry inside Enqueue.
	EnqueueAttempts int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 250 * time.Millisecond
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 30 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 100 * time.Millisecond
	}
	if out.ClaimLease <= 0 {
		out.ClaimLease = time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 15 * time.Second
	}
	if out.EnqueueAttempts <= 0 {
		out.EnqueueAttempts = 3
	}
	return out
}

// Queue wraps the durable backing store with delivery semantics.
type Queue struct {
	repo    domain.JobQueueRepository
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Queue.
func New(repo domain.JobQueueRepository, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Queue {
	return &Queue{
		repo:    repo,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
	}
}

// Enqueue durably stores a job. It retries internally on transient failures
// and returns UnavailableError only when the backend stayed unreachable, so
// the caller must then fall back to a synchronous direct write.
func (q *Queue) Enqueue(ctx context.Context, job *domain.LogJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= q.cfg.EnqueueAttempts; attempt++ {
		_, err := q.repo.Enqueue(ctx, job, q.cfg.MaxAttempts)
		if err == nil {
			return nil
		}
		lastErr = err

		var validation *domain.ValidationError
		if errors.As(err, &validation) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.cfg.BackoffBase * time.Duration(attempt)):
		}
	}
	return domain.ErrUnavailable(lastErr, "enqueue failed after %d attempts", q.cfg.EnqueueAttempts)
}

// DeadLetters lists parked jobs for operator inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]domain.QueuedJob, error) {
	return q.repo.ListDeadLetters(ctx, limit)
}

// Worker is a closable handle over a pool of consumers.
type Worker struct {
	cancelPull context.CancelFunc
	done       chan struct{}
}

// NewWorker starts Concurrency consumer goroutines plus a stalled-claim
// sweeper, all pulling through this handle. Close drains gracefully.
func (q *Queue) NewWorker(handler Handler) *Worker {
	pullCtx, cancelPull := context.WithCancel(context.Background())
	w := &Worker{
		cancelPull: cancelPull,
		done:       make(chan struct{}),
	}

	host, _ := os.Hostname()

	var g errgroup.Group
	for i := 0; i < q.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
		g.Go(func() error {
			q.consumeLoop(pullCtx, workerID, handler)
			return nil
		})
	}
	g.Go(func() error {
		q.sweepLoop(pullCtx)
		return nil
	})

	go func() {
		_ = g.Wait()
		close(w.done)
	}()

	return w
}

// Close stops pulling new jobs and waits for in-flight jobs to finish, up to
// the context deadline.
func (w *Worker) Close(ctx context.Context) error {
	w.cancelPull()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker drain: %w", ctx.Err())
	}
}

// consumeLoop pulls and processes jobs until the pull context is canceled.
// A job claimed before cancellation is allowed to finish.
func (q *Queue) consumeLoop(pullCtx context.Context, workerID string, handler Handler) {
	for {
		if pullCtx.Err() != nil {
			return
		}

		// Claims and handler runs use a detached context: shutdown stops
		// pulling, never abandons a claimed job midway.
		jobCtx := context.Background()

		claimed, err := q.repo.ClaimNext(jobCtx, workerID, q.cfg.ClaimLease)
		if err != nil {
			var notFound *domain.NotFoundError
			var validation *domain.ValidationError
			switch {
			case errors.As(err, &notFound):
				// Queue idle.
			case errors.As(err, &validation) && claimed != nil:
				q.deadLetter(jobCtx, claimed, "malformed", err)
				continue
			default:
				q.logger.Warn("claim failed", "worker", workerID, "error", err)
			}
			select {
			case <-pullCtx.Done():
				return
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.process(jobCtx, workerID, claimed, handler)
	}
}

// process runs the handler and settles the job: ack on success, backoff
// release while attempts remain, dead-letter after exhaustion.
func (q *Queue) process(ctx context.Context, workerID string, claimed *domain.QueuedJob, handler Handler) {
	err := handler(ctx, &claimed.Job)
	if err == nil {
		if ackErr := q.repo.Ack(ctx, claimed.ID); ackErr != nil {
			// The job may be redelivered and processed again; at-least-once
			// delivery makes that harmless for the ledger.
			q.logger.Warn("ack failed", "job_id", claimed.ID, "error", ackErr)
		}
		return
	}

	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		q.deadLetter(ctx, claimed, "malformed", err)
		return
	}

	if claimed.Attempts >= claimed.MaxAttempts {
		q.deadLetter(ctx, claimed, "exhausted", err)
		return
	}

	backoff := q.backoffFor(claimed.Attempts)
	q.logger.Warn("log job failed, scheduling retry",
		"job_id", claimed.ID,
		"request_id", claimed.Job.RequestID,
		"attempt", claimed.Attempts,
		"max_attempts", claimed.MaxAttempts,
		"backoff", backoff,
		"error", err,
	)
	if relErr := q.repo.Release(ctx, claimed.ID, time.Now().Add(backoff), err.Error()); relErr != nil {
		q.logger.Error("release failed; job will be recovered by the stall sweeper",
			"job_id", claimed.ID, "error", relErr)
	}
}

// deadLetter parks the job and raises the high-severity alert. A
// permanently-failing job is a compliance incident and must never vanish
// silently.
func (q *Queue) deadLetter(ctx context.Context, claimed *domain.QueuedJob, reason string, cause error) {
	q.metrics.DeadLetters.WithLabelValues(reason).Inc()
	q.logger.Error("log job dead-lettered: compliance incident, manual intervention required",
		"job_id", claimed.ID,
		"request_id", claimed.Job.RequestID,
		"reason", reason,
		"attempts", claimed.Attempts,
		"error", cause,
	)
	if err := q.repo.DeadLetter(ctx, claimed.ID, cause.Error()); err != nil {
		q.logger.Error("dead-letter write failed", "job_id", claimed.ID, "error", err)
	}
}

// sweepLoop periodically re-queues stalled claims and refreshes the depth
// gauge.
func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := q.repo.RecoverStalled(context.Background())
			if err != nil {
				q.logger.Warn("stalled job recovery failed", "error", err)
				continue
			}
			if recovered > 0 {
				q.metrics.StalledRecovered.Add(float64(recovered))
				q.logger.Info("recovered stalled jobs", "count", recovered)
			}
			if depth, err := q.repo.Depth(context.Background()); err == nil {
				q.metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}

func (q *Queue) backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := q.cfg.BackoffBase << (attempt - 1)
	if backoff > q.cfg.BackoffMax || backoff <= 0 {
		backoff = q.cfg.BackoffMax
	}
	return backoff
}
