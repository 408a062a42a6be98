package worm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"aegis-audit/internal/domain"
)

// snapshot is the sanitized request/response record persisted per job. The
// external verdict travels inside ComplianceMetadata and is stored verbatim
// after sanitization; this package never interprets it.
type snapshot struct {
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
	StoredAt           time.Time       `json:"storedAt"`
}

// Client writes sanitized snapshots into a write-once store under
// date-partitioned keys. Retries of the same job write additional objects
// under fresh keys. The ledger, not the object store, is the source of
// truth for order and existence.
type Client struct {
	store  domain.WormStore
	prefix string
	logger *slog.Logger

	now func() time.Time // test hook
}

// NewClient creates a WORM client writing under the given key prefix.
func NewClient(store domain.WormStore, prefix string, logger *slog.Logger) *Client {
	if prefix == "" {
		prefix = "audit"
	}
	return &Client{store: store, prefix: prefix, logger: logger, now: time.Now}
}

// Write sanitizes the job, persists the snapshot, and returns the object
// key. The key embeds a fresh UUID so redelivered jobs never collide with
// the object written by an earlier attempt.
func (c *Client) Write(ctx context.Context, job *domain.LogJob) (string, error) {
	snap := snapshot{
		RequestID:          job.RequestID,
		Method:             job.Method,
		URL:                truncate(job.URL),
		StatusCode:         job.StatusCode,
		ResponseTimeMs:     job.ResponseTimeMs,
		IP:                 job.IP,
		UserAgent:          truncate(job.UserAgent),
		TenantID:           job.TenantID,
		ComplianceMetadata: sanitizeJSON(job.ComplianceMetadata),
		Timestamp:          job.Timestamp.UTC(),
		StoredAt:           c.now().UTC(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	key := c.objectKey(job)
	if err := c.store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("worm put %q: %w", key, err)
	}

	c.logger.Debug("worm object written", "key", key, "request_id", job.RequestID, "bytes", len(data))
	return key, nil
}

// Get reads a stored snapshot back, for admin inspection.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.store.Get(ctx, key)
}

// ListDay lists object keys for one UTC day partition.
func (c *Client) ListDay(ctx context.Context, day time.Time, limit int32) ([]string, error) {
	prefix := fmt.Sprintf("%s/%s/", c.prefix, day.UTC().Format("2006/01/02"))
	return c.store.List(ctx, prefix, limit)
}

// objectKey builds the date-partitioned key for a job's snapshot.
func (c *Client) objectKey(job *domain.LogJob) string {
	ts := job.Timestamp.UTC()
	return fmt.Sprintf("%s/%s/%s-%s.json",
		c.prefix, ts.Format("2006/01/02"), job.RequestID, uuid.NewString())
}
