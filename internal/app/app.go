// Package app provides application-level wiring and dependency injection
// for the audit pipeline service.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"aegis-audit/internal/api"
	"aegis-audit/internal/config"
	"aegis-audit/internal/db/repository"
	"aegis-audit/internal/domain"
	"aegis-audit/internal/metrics"
	"aegis-audit/internal/middleware"
	"aegis-audit/internal/service/ledger"
	"aegis-audit/internal/service/pipeline"
	"aegis-audit/internal/service/queue"
	"aegis-audit/internal/service/worm"
)

// Deps holds the external dependencies that main() must provide: database
// handles, config, and the root logger.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
}

// App holds the fully-wired pipeline: the ingestion service, its worker
// pool, the verification scheduler, and the HTTP router.
type App struct {
	Pipeline  *pipeline.Service
	Queue     *queue.Queue
	Sequencer *ledger.Sequencer
	Verifier  *ledger.Verifier
	Scheduler *pipeline.VerifyScheduler
	Metrics   *metrics.Metrics
	Router    http.Handler

	logger *slog.Logger
	worker *queue.Worker
}

// New wires all repositories and services from the provided deps.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	m := metrics.New()

	// Write-pool repositories serialize appends and claims; the read pool
	// serves the admin API and verifier without contending for the write
	// connection.
	chainWrite := repository.NewChainRepo(deps.WriteDB)
	chainRead := repository.NewChainRepo(deps.ReadDB)
	jobRepo := repository.NewJobQueueRepo(deps.WriteDB)

	store, err := newWormStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("worm store: %w", err)
	}
	wormClient := worm.NewClient(store, cfg.Worm.Prefix, logger)

	sequencer := ledger.NewSequencer(chainWrite, logger.With("component", "sequencer"))
	verifier := ledger.NewVerifier(chainRead, logger.With("component", "verifier"))

	q := queue.New(jobRepo, queue.Config{
		Concurrency:   cfg.Queue.Concurrency,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffMax:    cfg.Queue.BackoffMax,
		PollInterval:  cfg.Queue.PollInterval,
		ClaimLease:    cfg.Queue.ClaimLease,
		SweepInterval: cfg.Queue.SweepInterval,
	}, logger.With("component", "queue"), m)

	svc := pipeline.New(q, wormClient, sequencer, m,
		logger.With("component", "pipeline"), cfg.SLABudget)

	scheduler := pipeline.NewVerifyScheduler(verifier, m,
		logger.With("component", "verify-scheduler"), cfg.VerifySchedule, cfg.VerifyLimit)

	handler := api.NewHandler(svc, sequencer, verifier, q, wormClient, m, logger)
	router := handler.Routes(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})

	// Warm the sequence gauge so dashboards show the tail before the first
	// append of this process's lifetime.
	if next, err := sequencer.NextSequenceNumber(ctx); err == nil {
		m.LedgerSequence.Set(float64(next - 1))
	}

	return &App{
		Pipeline:  svc,
		Queue:     q,
		Sequencer: sequencer,
		Verifier:  verifier,
		Scheduler: scheduler,
		Metrics:   m,
		Router:    router,
		logger:    logger,
	}, nil
}

// Start launches the worker pool and the verification scheduler.
func (a *App) Start() error {
	a.worker = a.Pipeline.StartWorker()
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("verify scheduler: %w", err)
	}
	a.logger.Info("audit pipeline started")
	return nil
}

// Shutdown stops pulling new jobs, waits for in-flight jobs to finish, and
// stops the scheduler. The ctx bounds the drain.
func (a *App) Shutdown(ctx context.Context) error {
	a.Scheduler.Stop()
	if a.worker == nil {
		return nil
	}
	if err := a.worker.Close(ctx); err != nil {
		return fmt.Errorf("drain workers: %w", err)
	}
	a.logger.Info("audit pipeline drained")
	return nil
}

// newWormStore picks the object store backend. Without S3 configuration the
// in-memory write-once store is used, which is acceptable for development
// only; LoadFromEnv refuses this combination in production.
func newWormStore(cfg *config.Config, logger *slog.Logger) (domain.WormStore, error) {
	if !cfg.Worm.Configured() {
		logger.Warn("using in-memory WORM store, snapshots will not survive a restart")
		return worm.NewMemoryStore(), nil
	}
	return worm.NewS3Store(worm.S3Options{
		KeyID:     cfg.Worm.KeyID,
		Secret:    cfg.Worm.Secret,
		Endpoint:  cfg.Worm.Endpoint,
		Region:    cfg.Worm.Region,
		Bucket:    cfg.Worm.Bucket,
		Retention: cfg.Worm.Retention,
	})
}
