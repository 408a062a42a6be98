package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis-audit/internal/db"
	"aegis-audit/internal/db/repository"
	"aegis-audit/internal/domain"
	"aegis-audit/internal/metrics"
)

func testQueue(t *testing.T, cfg Config) (*Queue, *repository.JobQueueRepo) {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := repository.NewJobQueueRepo(writeDB)
	q := New(repo, cfg, slog.New(slog.DiscardHandler), metrics.New())
	return q, repo
}

func queueJob(requestID string) *domain.LogJob {
	return &domain.LogJob{
		RequestID:  requestID,
		Method:     "POST",
		URL:        "/v1/chat/completions",
		StatusCode: 200,
		Timestamp:  time.Now().UTC(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestQueue_DeliversEachJobToOneHandler(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t, Config{Concurrency: 3, PollInterval: 10 * time.Millisecond})

	var processed sync.Map
	var count atomic.Int64
	worker := q.NewWorker(func(ctx context.Context, job *domain.LogJob) error {
		if _, dup := processed.LoadOrStore(job.RequestID, true); dup {
			t.Errorf("request %s delivered twice without redelivery cause", job.RequestID)
		}
		count.Add(1)
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), queueJob("req-"+string(rune('a'+i)))))
	}

	waitFor(t, 5*time.Second, func() bool { return count.Load() == 10 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, worker.Close(ctx))
}

func TestQueue_RetriesWithBackoffThenSucceeds(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t, Config{
		Concurrency:  1,
		MaxAttempts:  5,
		BackoffBase:  10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})

	var attempts atomic.Int64
	var succeeded atomic.Bool
	worker := q.NewWorker(func(ctx context.Context, job *domain.LogJob) error {
		if attempts.Add(1) < 3 {
			return errors.New("worm store timeout")
		}
		succeeded.Store(true)
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), queueJob("req-retry")))

	waitFor(t, 5*time.Second, func() bool { return succeeded.Load() })
	assert.Equal(t, int64(3), attempts.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, worker.Close(ctx))
}

func TestQueue_DeadLettersAfterExhaustedAttempts(t *testing.T) {
	t.Parallel()

	q, repo := testQueue(t, Config{
		Concurrency:  1,
		MaxAttempts:  2,
		BackoffBase:  5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})

	worker := q.NewWorker(func(ctx context.Context, job *domain.LogJob) error {
		return errors.New("chain append unavailable")
	})

	require.NoError(t, q.Enqueue(context.Background(), queueJob("req-doomed")))

	waitFor(t, 5*time.Second, func() bool {
		dead, err := repo.ListDeadLetters(context.Background(), 10)
		return err == nil && len(dead) == 1
	})

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "chain append unavailable")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, worker.Close(ctx))
}

func TestQueue_MalformedJobIsDeadLetteredNotRetried(t *testing.T) {
	t.Parallel()

	q, repo := testQueue(t, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond})

	var invocations atomic.Int64
	worker := q.NewWorker(func(ctx context.Context, job *domain.LogJob) error {
		invocations.Add(1)
		return domain.ErrValidation("log job is missing requestId")
	})

	require.NoError(t, q.Enqueue(context.Background(), queueJob("req-bad")))

	waitFor(t, 5*time.Second, func() bool {
		dead, err := repo.ListDeadLetters(context.Background(), 10)
		return err == nil && len(dead) == 1
	})
	assert.Equal(t, int64(1), invocations.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, worker.Close(ctx))
}

func TestQueue_CloseDrainsInFlightJob(t *testing.T) {
	t.Parallel()

	q, repo := testQueue(t, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	worker := q.NewWorker(func(ctx context.Context, job *domain.LogJob) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), queueJob("req-inflight")))
	<-started

	// Close while the job is in flight; the drain must wait for it.
	closeDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeDone <- worker.Close(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-closeDone)
	assert.True(t, finished.Load())

	// The finished job was acked, not abandoned.
	depth, err := repo.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueue_EnqueueValidatesJob(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t, Config{})

	err := q.Enqueue(context.Background(), &domain.LogJob{})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestQueue_EnqueueReportsUnavailableBackend(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	repo := repository.NewJobQueueRepo(writeDB)
	q := New(repo, Config{EnqueueAttempts: 2, BackoffBase: time.Millisecond},
		slog.New(slog.DiscardHandler), metrics.New())

	// Closing the pool simulates an unreachable queue backend.
	require.NoError(t, writeDB.Close())

	err := q.Enqueue(context.Background(), queueJob("req-1"))
	var unavailable *domain.UnavailableError
	require.ErrorAs(t, err, &unavailable)
}
