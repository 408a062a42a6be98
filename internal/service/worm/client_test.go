package worm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis-audit/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testJob() *domain.LogJob {
	return &domain.LogJob{
		RequestID:  "req-1",
		Method:     "POST",
		URL:        "/v1/chat/completions",
		StatusCode: 200,
		UserAgent:  "curl/8.0",
		Timestamp:  time.Date(2026, 8, 26, 11, 30, 0, 0, time.UTC),
	}
}

func TestClient_WriteProducesDatePartitionedKey(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	client := NewClient(store, "audit", testLogger())

	key, err := client.Write(context.Background(), testJob())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "audit/2026/08/26/req-1-"), "key %q", key)
	assert.True(t, strings.HasSuffix(key, ".json"))

	data, err := client.Get(context.Background(), key)
	require.NoError(t, err)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "req-1", snap["requestId"])
}

func TestClient_RewriteSameJobYieldsDistinctObjects(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	client := NewClient(store, "audit", testLogger())
	job := testJob()

	first, err := client.Write(context.Background(), job)
	require.NoError(t, err)
	second, err := client.Write(context.Background(), job)
	require.NoError(t, err)

	// A redelivered job writes a second object; both survive.
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, store.Len())
}

func TestClient_RedactsCredentialFields(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	client := NewClient(store, "audit", testLogger())

	job := testJob()
	job.ComplianceMetadata = json.RawMessage(`{
		"verdict": "allow",
		"headers": {"Authorization": "Bearer xyz", "Cookie": "session=abc", "X-Api-Key": "k"},
		"password": "hunter2",
		"nested": [{"refreshToken": "rt", "clientSecret": "cs"}]
	}`)

	key, err := client.Write(context.Background(), job)
	require.NoError(t, err)
	data, err := client.Get(context.Background(), key)
	require.NoError(t, err)

	text := string(data)
	assert.NotContains(t, text, "Bearer xyz")
	assert.NotContains(t, text, "session=abc")
	assert.NotContains(t, text, "hunter2")
	assert.NotContains(t, text, `"rt"`)
	assert.NotContains(t, text, `"cs"`)
	assert.Contains(t, text, redactedValue)
	assert.Contains(t, text, `"verdict":"allow"`)
}

func TestClient_TruncatesOversizedBodies(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	client := NewClient(store, "audit", testLogger())

	big := strings.Repeat("a", maxBodyBytes+500)
	job := testJob()
	job.ComplianceMetadata = json.RawMessage(`{"body": "` + big + `"}`)

	key, err := client.Write(context.Background(), job)
	require.NoError(t, err)
	data, err := client.Get(context.Background(), key)
	require.NoError(t, err)

	assert.Contains(t, string(data), truncationMarker)
	assert.Less(t, len(data), maxBodyBytes+2048)
}

func TestClient_NonJSONMetadataIsStillSanitized(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	client := NewClient(store, "audit", testLogger())

	job := testJob()
	job.ComplianceMetadata = json.RawMessage("not json at all")

	key, err := client.Write(context.Background(), job)
	require.NoError(t, err)

	data, err := client.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Contains(t, string(data), "not json at all")
}

func TestClient_ListDay(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	client := NewClient(store, "audit", testLogger())

	_, err := client.Write(context.Background(), testJob())
	require.NoError(t, err)

	other := testJob()
	other.Timestamp = other.Timestamp.AddDate(0, 0, 1)
	_, err = client.Write(context.Background(), other)
	require.NoError(t, err)

	keys, err := client.ListDay(context.Background(), time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), 100)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestMemoryStore_WriteOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "k", []byte("v")))

	err := store.Put(context.Background(), "k", []byte("v2"))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	// The original object is untouched.
	data, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}
