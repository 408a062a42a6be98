// Package ledger implements the hash-chain sequencer and integrity verifier
// over the append-only chain repository.
package ledger

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"aegis-audit/internal/domain"
)

const (
	defaultAppendAttempts = 5
	appendBackoffBase     = 50 * time.Millisecond
)

// Sequencer allocates strictly increasing sequence numbers and links each
// new entry to the ledger tail. The serialization itself happens inside the
// repository's transaction; the sequencer's job is retrying aborted
// transactions and keeping diagnostics warm.
type Sequencer struct {
	repo   domain.ChainRepository
	logger *slog.Logger

	// lastSeq is a warm-start hint for metrics and diagnostics only. The
	// authoritative tail is always re-read inside the append transaction;
	// another process may have appended since this value was cached.
	lastSeq atomic.Int64
}

// NewSequencer creates a Sequencer over the given chain repository.
func NewSequencer(repo domain.ChainRepository, logger *slog.Logger) *Sequencer {
	return &Sequencer{repo: repo, logger: logger}
}

// Append inserts the next chain entry. Lock contention aborts the whole
// transaction without writing anything, so the append is retried from the
// top with backoff until it commits or attempts are exhausted.
func (s *Sequencer) Append(ctx context.Context, req domain.AppendRequest) (*domain.ChainEntry, error) {
	var lastErr error
	for attempt := 1; attempt <= defaultAppendAttempts; attempt++ {
		entry, err := s.repo.Append(ctx, req)
		if err == nil {
			s.lastSeq.Store(entry.SequenceNumber)
			return entry, nil
		}
		lastErr = err

		if !isRetryableAppendError(err) {
			return nil, err
		}

		backoff := appendBackoffBase * time.Duration(1<<(attempt-1))
		s.logger.Warn("chain append aborted, retrying",
			"request_id", req.RequestID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, domain.ErrUnavailable(lastErr, "chain append failed after %d attempts", defaultAppendAttempts)
}

// LastHash returns the authoritative tail hash from the store.
func (s *Sequencer) LastHash(ctx context.Context) (string, error) {
	return s.repo.LastHash(ctx)
}

// NextSequenceNumber returns the next sequence number the ledger would
// assign. Diagnostic only.
func (s *Sequencer) NextSequenceNumber(ctx context.Context) (int64, error) {
	return s.repo.NextSequenceNumber(ctx)
}

// LastAppendedSequence returns this process's view of the tail, for metrics.
// Zero until the first local append.
func (s *Sequencer) LastAppendedSequence() int64 {
	return s.lastSeq.Load()
}

// Stats summarizes the ledger.
func (s *Sequencer) Stats(ctx context.Context) (*domain.ChainStats, error) {
	return s.repo.Stats(ctx)
}

// Entries pages through the ledger in sequence order for the admin API.
func (s *Sequencer) Entries(ctx context.Context, limit, offset int64) ([]domain.ChainEntry, error) {
	return s.repo.ListBySequence(ctx, limit, offset)
}

func isRetryableAppendError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	hints := []string{"locked", "busy", "timeout", "temporarily", "connection reset", "broken pipe"}
	for _, hint := range hints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
