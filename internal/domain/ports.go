package domain

import (
	"context"
	"encoding/json"
	"time"
)

// AppendRequest carries the job-derived fields of a new chain entry. The
// sequencer assigns SequenceNumber, PreviousHash, and CurrentHash inside its
// serializing transaction.
type AppendRequest struct {
	RequestID          string
	Method             string
	URL                string
	StatusCode         int
	ResponseTimeMs     int64
	IP                 string
	TenantID           string
	ComplianceMetadata json.RawMessage
	WormObjectKey      string
	LogTimestamp       time.Time
}

// ChainRepository persists ledger rows. Append is the only write path; rows
// are never updated or deleted.
type ChainRepository interface {
	// Append allocates the next sequence number and inserts the entry in a
	// single serializing transaction. On abort nothing is written and the
	// caller retries the whole append.
	Append(ctx context.Context, req AppendRequest) (*ChainEntry, error)

	// LastHash returns the tail hash, or "" for an empty ledger.
	LastHash(ctx context.Context) (string, error)

	// NextSequenceNumber returns the sequence number the next append would
	// receive. Diagnostic only; the authoritative read happens inside
	// Append's transaction.
	NextSequenceNumber(ctx context.Context) (int64, error)

	// ListBySequence returns up to limit entries ordered by sequence number
	// ascending, starting after the given offset.
	ListBySequence(ctx context.Context, limit, offset int64) ([]ChainEntry, error)

	// Stats summarizes the ledger for the admin statistics query.
	Stats(ctx context.Context) (*ChainStats, error)
}

// JobQueueRepository is the durable at-least-once queue backing store.
type JobQueueRepository interface {
	Enqueue(ctx context.Context, job *LogJob, maxAttempts int) (*QueuedJob, error)

	// ClaimNext atomically claims the oldest due job for workerID with a
	// lease expiring at now+lease. Returns NotFoundError when no job is due.
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*QueuedJob, error)

	// Ack removes a successfully processed job.
	Ack(ctx context.Context, id string) error

	// Release returns a claimed job to the queue for a later attempt.
	Release(ctx context.Context, id string, nextRunAt time.Time, lastError string) error

	// DeadLetter parks a job after exhausted attempts or a malformed payload.
	DeadLetter(ctx context.Context, id string, lastError string) error

	// RecoverStalled re-queues jobs whose claim lease has expired, returning
	// the number of recovered jobs.
	RecoverStalled(ctx context.Context) (int64, error)

	ListDeadLetters(ctx context.Context, limit int64) ([]QueuedJob, error)

	// Depth returns the number of jobs waiting or in flight.
	Depth(ctx context.Context) (int64, error)
}

// WormStore is the minimal write-once object contract. Implementations must
// refuse to overwrite an existing key; retention locking is enforced by the
// backing store, not application logic.
type WormStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, limit int32) ([]string, error)
}
