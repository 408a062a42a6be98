package domain

import (
	"encoding/json"
	"time"
)

// JobStatus tracks a queued log-write job through its lifecycle.
type JobStatus string

const (
	JobStatusQueued JobStatus = "queued"
	JobStatusActive JobStatus = "active"
	JobStatusDead   JobStatus = "dead"
)

// LogJob is the queue message produced once per gateway request by the
// request-logging middleware. Delivery is at-least-once: the same job may be
// handed to a worker more than once after a crash or a stalled claim.
//
// RequestID is a correlation id only. It is not unique in the ledger; a
// redelivered job produces a second, independently valid chain entry.
type LogJob struct {
	RequestID          string          `json:"requestId"`
	Method             string          `json:"method"`
	URL                string          `json:"url"`
	StatusCode         int             `json:"statusCode"`
	ResponseTimeMs     int64           `json:"responseTime"`
	IP                 string          `json:"ip,omitempty"`
	UserAgent          string          `json:"userAgent,omitempty"`
	TenantID           string          `json:"tenantId,omitempty"`
	ComplianceMetadata json.RawMessage `json:"complianceMetadata,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Validate rejects payloads that cannot produce a ledger entry. Malformed
// jobs are dead-lettered by the worker rather than retried.
func (j *LogJob) Validate() error {
	if j.RequestID == "" {
		return ErrValidation("log job is missing requestId")
	}
	if j.Method == "" || j.URL == "" {
		return ErrValidation("log job %s is missing method or url", j.RequestID)
	}
	if j.Timestamp.IsZero() {
		return ErrValidation("log job %s is missing timestamp", j.RequestID)
	}
	return nil
}

// QueuedJob is a LogJob as stored in the durable queue, with delivery
// bookkeeping attached.
type QueuedJob struct {
	ID          string
	Job         LogJob
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	LockedBy    string
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
