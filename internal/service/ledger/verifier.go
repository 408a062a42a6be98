package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"aegis-audit/internal/domain"
)

const verifyBatchSize = 500

// Verifier batch-reads the ledger and checks every ordering and hash
// invariant. It reports violations but never repairs them: a repair would
// itself have to be chained and audited, so remediation stays manual.
type Verifier struct {
	repo   domain.ChainRepository
	logger *slog.Logger
}

// NewVerifier creates a Verifier over the given chain repository.
func NewVerifier(repo domain.ChainRepository, logger *slog.Logger) *Verifier {
	return &Verifier{repo: repo, logger: logger}
}

// Verify checks up to limit entries in ascending sequence order and collects
// every violation instead of stopping at the first:
//
//  1. the first entry of the whole ledger has sequence 1 and no previous hash
//  2. each successor's sequence number is its predecessor's plus one
//  3. each successor's previous hash equals its predecessor's current hash
//  4. recomputing the hash from stored fields reproduces the stored value
//
// limit <= 0 verifies the entire ledger.
func (v *Verifier) Verify(ctx context.Context, limit int64) (*domain.VerificationResult, error) {
	result := &domain.VerificationResult{Valid: true, Errors: []string{}}

	var (
		prev    *domain.ChainEntry
		offset  int64
		checked int64
	)

	for {
		batch := int64(verifyBatchSize)
		if limit > 0 && limit-checked < batch {
			batch = limit - checked
		}
		if batch <= 0 {
			break
		}

		entries, err := v.repo.ListBySequence(ctx, batch, offset)
		if err != nil {
			return nil, fmt.Errorf("read ledger window: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for i := range entries {
			e := &entries[i]
			checked++

			if prev == nil {
				// Window starts at the ledger head: enforce the genesis rule.
				if offset == 0 && i == 0 {
					if e.SequenceNumber != 1 {
						result.Errors = append(result.Errors, fmt.Sprintf(
							"entry %d: ledger must start at sequence 1", e.SequenceNumber))
					}
					if e.PreviousHash != "" {
						result.Errors = append(result.Errors, fmt.Sprintf(
							"entry %d: first entry must have empty previous hash", e.SequenceNumber))
					}
				}
			} else {
				if e.SequenceNumber != prev.SequenceNumber+1 {
					result.Errors = append(result.Errors, fmt.Sprintf(
						"entry %d: sequence gap after %d", e.SequenceNumber, prev.SequenceNumber))
				}
				if e.PreviousHash != prev.CurrentHash {
					result.Errors = append(result.Errors, fmt.Sprintf(
						"entry %d: previous hash does not match entry %d's current hash",
						e.SequenceNumber, prev.SequenceNumber))
				}
			}

			if recomputed := e.ComputeHash(); recomputed != e.CurrentHash {
				result.Errors = append(result.Errors, fmt.Sprintf(
					"entry %d: stored hash does not match recomputed hash", e.SequenceNumber))
			}

			prev = e
		}

		offset += int64(len(entries))
		if int64(len(entries)) < batch {
			break
		}
	}

	result.Checked = int(checked)
	result.Valid = len(result.Errors) == 0
	if !result.Valid {
		v.logger.Error("chain verification failed",
			"checked", result.Checked,
			"violations", len(result.Errors),
		)
	}
	return result, nil
}
