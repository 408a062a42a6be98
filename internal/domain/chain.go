package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// ChainEntry is one row of the tamper-evident ledger. Entries are created
// exactly once by the sequencer inside a single transaction and are never
// updated or deleted.
//
// Invariants:
//   - CurrentHash = SHA-256 over the canonical bytes of the entry.
//   - For SequenceNumber > 1, PreviousHash equals the predecessor's
//     CurrentHash; the first entry has an empty PreviousHash.
type ChainEntry struct {
	SequenceNumber     int64           `json:"sequenceNumber"`
	PreviousHash       string          `json:"previousHash,omitempty"`
	CurrentHash        string          `json:"currentHash"`
	RequestID          string          `json:"requestId"`
	Method             string          `json:"method"`
	URL                string          `json:"url"`
	StatusCode         int             `json:"statusCode"`
	ResponseTimeMs     int64           `json:"responseTime"`
	IP                 string          `json:"ip,omitempty"`
	TenantID           string          `json:"tenantId,omitempty"`
	ComplianceMetadata json.RawMessage `json:"complianceMetadata,omitempty"`
	WormObjectKey      string          `json:"wormObjectKey"`
	LogTimestamp       time.Time       `json:"logTimestamp"`
}

// CanonicalBytes serializes the hashed fields in a fixed order, each written
// as "<length>:<bytes>|". The length prefix makes the encoding injective:
// a field containing the separator cannot collide with an adjacent field
// split. The compliance metadata is included as its raw stored bytes and the
// timestamp as Unix milliseconds, so the digest is reproducible from the
// persisted row regardless of runtime representation.
func (e *ChainEntry) CanonicalBytes() []byte {
	fields := []string{
		strconv.FormatInt(e.SequenceNumber, 10),
		e.PreviousHash,
		e.RequestID,
		e.Method,
		e.URL,
		strconv.Itoa(e.StatusCode),
		strconv.FormatInt(e.ResponseTimeMs, 10),
		e.IP,
		e.TenantID,
		string(e.ComplianceMetadata),
		e.WormObjectKey,
		strconv.FormatInt(e.LogTimestamp.UnixMilli(), 10),
	}

	var b bytes.Buffer
	for _, f := range fields {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
		b.WriteByte('|')
	}
	return b.Bytes()
}

// ComputeHash returns the hex SHA-256 digest of the entry's canonical bytes.
func (e *ChainEntry) ComputeHash() string {
	sum := sha256.Sum256(e.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// ChainStats summarizes the ledger for the admin statistics query.
type ChainStats struct {
	TotalEntries    int64      `json:"totalEntries"`
	LastSequence    int64      `json:"lastSequence"`
	LastHash        string     `json:"lastHash,omitempty"`
	OldestTimestamp *time.Time `json:"oldestTimestamp,omitempty"`
	NewestTimestamp *time.Time `json:"newestTimestamp,omitempty"`
}

// VerificationResult reports every invariant violation found in a ledger
// window. Valid is true only when Errors is empty.
type VerificationResult struct {
	Valid   bool     `json:"valid"`
	Checked int      `json:"checked"`
	Errors  []string `json:"errors"`
}
