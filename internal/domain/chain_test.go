package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() ChainEntry {
	return ChainEntry{
		SequenceNumber:     7,
		PreviousHash:       "abc123",
		RequestID:          "req-42",
		Method:             "POST",
		URL:                "/v1/completions",
		StatusCode:         200,
		ResponseTimeMs:     88,
		IP:                 "10.0.0.9",
		TenantID:           "tenant-a",
		ComplianceMetadata: json.RawMessage(`{"riskScore":0.4}`),
		WormObjectKey:      "audit/2026/08/26/req-42.json",
		LogTimestamp:       time.UnixMilli(1756200000000).UTC(),
	}
}

func TestChainEntry_ComputeHashDeterministic(t *testing.T) {
	t.Parallel()

	e := sampleEntry()
	first := e.ComputeHash()
	second := e.ComputeHash()
	require.Len(t, first, 64)
	assert.Equal(t, first, second)
}

func TestChainEntry_HashCoversEveryField(t *testing.T) {
	t.Parallel()

	orig := sampleEntry()
	base := orig.ComputeHash()

	mutations := map[string]func(*ChainEntry){
		"sequence":  func(e *ChainEntry) { e.SequenceNumber = 8 },
		"prevHash":  func(e *ChainEntry) { e.PreviousHash = "def456" },
		"requestID": func(e *ChainEntry) { e.RequestID = "req-43" },
		"method":    func(e *ChainEntry) { e.Method = "GET" },
		"url":       func(e *ChainEntry) { e.URL = "/v1/other" },
		"status":    func(e *ChainEntry) { e.StatusCode = 500 },
		"latency":   func(e *ChainEntry) { e.ResponseTimeMs = 89 },
		"ip":        func(e *ChainEntry) { e.IP = "10.0.0.10" },
		"tenant":    func(e *ChainEntry) { e.TenantID = "tenant-b" },
		"metadata":  func(e *ChainEntry) { e.ComplianceMetadata = json.RawMessage(`{"riskScore":0.9}`) },
		"wormKey":   func(e *ChainEntry) { e.WormObjectKey = "audit/other.json" },
		"timestamp": func(e *ChainEntry) { e.LogTimestamp = e.LogTimestamp.Add(time.Millisecond) },
	}

	for name, mutate := range mutations {
		e := sampleEntry()
		mutate(&e)
		assert.NotEqual(t, base, e.ComputeHash(), "mutating %s must change the hash", name)
	}
}

func TestChainEntry_SeparatorInFieldCannotCollide(t *testing.T) {
	t.Parallel()

	// Both entries concatenate to the same byte stream under a naive
	// pipe-join; the length-prefixed encoding must keep them distinct.
	a := sampleEntry()
	a.IP = "10.0.0.9|x"
	a.TenantID = "tenant-a"

	b := sampleEntry()
	b.IP = "10.0.0.9"
	b.TenantID = "x|tenant-a"

	assert.NotEqual(t, a.CanonicalBytes(), b.CanonicalBytes())
	assert.NotEqual(t, a.ComputeHash(), b.ComputeHash())
}

func TestChainEntry_CanonicalBytesUseUnixMillis(t *testing.T) {
	t.Parallel()

	e := sampleEntry()
	inLocal := e
	inLocal.LogTimestamp = e.LogTimestamp.In(time.FixedZone("X", 3600))

	// Same instant in a different zone must hash identically.
	assert.Equal(t, e.ComputeHash(), inLocal.ComputeHash())
}

func TestLogJob_Validate(t *testing.T) {
	t.Parallel()

	job := LogJob{
		RequestID:  "req-1",
		Method:     "POST",
		URL:        "/v1/chat",
		StatusCode: 200,
		Timestamp:  time.Now(),
	}
	require.NoError(t, job.Validate())

	missing := job
	missing.RequestID = ""
	require.Error(t, missing.Validate())

	noURL := job
	noURL.URL = ""
	require.Error(t, noURL.Validate())

	noTS := job
	noTS.Timestamp = time.Time{}
	require.Error(t, noTS.Validate())
}
