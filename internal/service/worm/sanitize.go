// Package worm implements the write-once object store client that persists
// sanitized request snapshots for regulatory retention.
package worm

import (
	"encoding/json"
	"strings"
)

// maxBodyBytes caps any single string value persisted in a snapshot.
const maxBodyBytes = 10 * 1024

// truncationMarker is appended to values cut at maxBodyBytes.
const truncationMarker = "...[TRUNCATED]"

// redactedValue replaces values whose key names a credential.
const redactedValue = "[REDACTED]"

// sensitiveKeyFragments match field and header names that must never reach
// retention storage. Matching is case-insensitive substring.
var sensitiveKeyFragments = []string{
	"authorization",
	"cookie",
	"api-key",
	"api_key",
	"apikey",
	"password",
	"token",
	"secret",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// truncate cuts s at maxBodyBytes and appends the truncation marker.
func truncate(s string) string {
	if len(s) <= maxBodyBytes {
		return s
	}
	return s[:maxBodyBytes] + truncationMarker
}

// sanitizeJSON redacts credential-named fields and truncates oversized
// string values anywhere in an opaque JSON document. A document that does
// not parse is persisted as a single truncated string value so raw bytes
// never bypass sanitization.
func sanitizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		quoted, _ := json.Marshal(truncate(string(raw)))
		return quoted
	}

	cleaned := sanitizeValue(doc)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return nil
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, inner := range val {
			if isSensitiveKey(k) {
				val[k] = redactedValue
				continue
			}
			val[k] = sanitizeValue(inner)
		}
		return val
	case []interface{}:
		for i, inner := range val {
			val[i] = sanitizeValue(inner)
		}
		return val
	case string:
		return truncate(val)
	default:
		return v
	}
}
