package pipeline

import (
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis-audit/internal/db"
	"aegis-audit/internal/db/repository"
	"aegis-audit/internal/metrics"
	"aegis-audit/internal/service/ledger"
)

func TestVerifyScheduler_RejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	logger := slog.New(slog.DiscardHandler)
	v := ledger.NewVerifier(repository.NewChainRepo(writeDB), logger)

	s := NewVerifyScheduler(v, metrics.New(), logger, "not a cron expression", 0)
	require.Error(t, s.Start())
}

func TestVerifyScheduler_RunRecordsOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	_, err := f.svc.Process(context.Background(), pipelineJob("req-1"))
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	s := NewVerifyScheduler(f.verifier, f.metrics, logger, "@hourly", 0)
	s.run()

	assert.Equal(t, float64(1),
		testutil.ToFloat64(f.metrics.VerificationRuns.WithLabelValues("valid")))

	// Tamper, then the next run reports invalid.
	_, err = f.writeDB.Exec(`UPDATE chain_entries SET url = '/tampered' WHERE sequence_number = 1`)
	require.NoError(t, err)
	s.run()
	assert.Equal(t, float64(1),
		testutil.ToFloat64(f.metrics.VerificationRuns.WithLabelValues("invalid")))
}
