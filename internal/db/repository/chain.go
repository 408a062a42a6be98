package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aegis-audit/internal/domain"
)

var _ domain.ChainRepository = (*ChainRepo)(nil)

const chainColumns = `sequence_number, previous_hash, current_hash, request_id, method, url,
       status_code, response_time_ms, ip, tenant_id, compliance_metadata,
       worm_object_key, log_timestamp_ms`

// ChainRepo stores the hash-chained ledger in SQLite. It must be constructed
// on the write pool (single connection, _txlock=immediate) so that Append
// transactions serialize: within a process through the pool, across
// processes through SQLite's database write lock.
type ChainRepo struct {
	db *sql.DB
}

// NewChainRepo creates a new ChainRepo.
func NewChainRepo(db *sql.DB) *ChainRepo {
	return &ChainRepo{db: db}
}

// Append allocates the next sequence number, links the new entry to the
// current tail hash, and inserts the row, all inside one immediate
// transaction. The tail is re-read inside the transaction on every call; a
// cached tail is never trusted (other processes may have appended).
//
// On any error the transaction rolls back and nothing is written, so the
// caller can retry the whole append without risking a partial insert.
func (r *ChainRepo) Append(ctx context.Context, req domain.AppendRequest) (*domain.ChainEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		tailSeq  int64
		tailHash string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT sequence_number, current_hash
		FROM chain_entries
		ORDER BY sequence_number DESC
		LIMIT 1
	`).Scan(&tailSeq, &tailHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapDBError(err)
	}
	// Empty ledger: tailSeq=0, tailHash="", so the first entry gets sequence 1
	// and no previous hash.

	entry := &domain.ChainEntry{
		SequenceNumber:     tailSeq + 1,
		PreviousHash:       tailHash,
		RequestID:          req.RequestID,
		Method:             req.Method,
		URL:                req.URL,
		StatusCode:         req.StatusCode,
		ResponseTimeMs:     req.ResponseTimeMs,
		IP:                 req.IP,
		TenantID:           req.TenantID,
		ComplianceMetadata: req.ComplianceMetadata,
		WormObjectKey:      req.WormObjectKey,
		LogTimestamp:       req.LogTimestamp.UTC(),
	}
	entry.CurrentHash = entry.ComputeHash()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chain_entries (`+chainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.SequenceNumber,
		entry.PreviousHash,
		entry.CurrentHash,
		entry.RequestID,
		entry.Method,
		entry.URL,
		entry.StatusCode,
		entry.ResponseTimeMs,
		entry.IP,
		entry.TenantID,
		string(entry.ComplianceMetadata),
		entry.WormObjectKey,
		entry.LogTimestamp.UnixMilli(),
	)
	if err != nil {
		return nil, mapDBError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapDBError(err)
	}
	return entry, nil
}

// LastHash returns the tail hash, or "" when the ledger is empty.
func (r *ChainRepo) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `
		SELECT current_hash FROM chain_entries
		ORDER BY sequence_number DESC LIMIT 1
	`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapDBError(err)
	}
	return hash, nil
}

// NextSequenceNumber returns the sequence number the next append would get.
func (r *ChainRepo) NextSequenceNumber(ctx context.Context) (int64, error) {
	var maxSeq sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM chain_entries`).Scan(&maxSeq)
	if err != nil {
		return 0, mapDBError(err)
	}
	return maxSeq.Int64 + 1, nil
}

// ListBySequence returns up to limit entries ordered by sequence number
// ascending, skipping offset entries.
func (r *ChainRepo) ListBySequence(ctx context.Context, limit, offset int64) ([]domain.ChainEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chainColumns+`
		FROM chain_entries
		ORDER BY sequence_number ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []domain.ChainEntry
	for rows.Next() {
		entry, err := scanChainEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Stats summarizes the ledger for the admin statistics query.
func (r *ChainRepo) Stats(ctx context.Context) (*domain.ChainStats, error) {
	stats := &domain.ChainStats{}

	var oldestMs, newestMs sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(sequence_number), 0),
		       MIN(log_timestamp_ms), MAX(log_timestamp_ms)
		FROM chain_entries
	`).Scan(&stats.TotalEntries, &stats.LastSequence, &oldestMs, &newestMs)
	if err != nil {
		return nil, mapDBError(err)
	}
	if oldestMs.Valid {
		t := time.UnixMilli(oldestMs.Int64).UTC()
		stats.OldestTimestamp = &t
	}
	if newestMs.Valid {
		t := time.UnixMilli(newestMs.Int64).UTC()
		stats.NewestTimestamp = &t
	}

	hash, err := r.LastHash(ctx)
	if err != nil {
		return nil, err
	}
	stats.LastHash = hash
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChainEntry(row rowScanner) (*domain.ChainEntry, error) {
	var (
		entry    domain.ChainEntry
		metadata string
		tsMs     int64
	)
	err := row.Scan(
		&entry.SequenceNumber,
		&entry.PreviousHash,
		&entry.CurrentHash,
		&entry.RequestID,
		&entry.Method,
		&entry.URL,
		&entry.StatusCode,
		&entry.ResponseTimeMs,
		&entry.IP,
		&entry.TenantID,
		&metadata,
		&entry.WormObjectKey,
		&tsMs,
	)
	if err != nil {
		return nil, fmt.Errorf("scan chain entry: %w", mapDBError(err))
	}
	if metadata != "" {
		entry.ComplianceMetadata = []byte(metadata)
	}
	entry.LogTimestamp = time.UnixMilli(tsMs).UTC()
	return &entry, nil
}
