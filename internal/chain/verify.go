package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/alert"
	"github.com/gosuda/meterchain/internal/domain"
)

// VerifyResult reports the outcome of recomputing a chain or a range of it.
type VerifyResult struct {
	ChainID          string `json:"chain_id"`
	Valid            bool   `json:"valid"`
	BrokenAtSequence *int64 `json:"broken_at_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
	BlocksChecked    int64  `json:"blocks_checked"`
}

// Err returns nil for a valid chain and an error wrapping
// domain.ErrChainIntegrityViolation otherwise.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	at := int64(-1)
	if r.BrokenAtSequence != nil {
		at = *r.BrokenAtSequence
	}
	return fmt.Errorf("chain %q broken at sequence %d: %s: %w", r.ChainID, at, r.Reason, domain.ErrChainIntegrityViolation)
}

// Verify recomputes every block of the chain from its stored fields.
func (c *Chain) Verify(ctx context.Context, chainID string) (VerifyResult, error) {
	return c.VerifyRange(ctx, chainID, 0, -1)
}

// VerifyRange recomputes blocks from..to inclusive. A negative to means the
// current tail. For from > 0 the stored hash of block from-1 is the anchor
// the range must link to; the anchor itself is not re-verified.
//
// A broken chain is not an error. The result reports where and why. The first
// time a given break is seen, a chain_violation audit event is written and
// operators are alerted; repeated verifications of the same break only log.
// Stored data is never repaired.
func (c *Chain) VerifyRange(ctx context.Context, chainID string, from, to int64) (VerifyResult, error) {
	if from < 0 || (to >= 0 && to < from) {
		return VerifyResult{}, fmt.Errorf("chain.Chain.VerifyRange: range %d..%d: %w", from, to, domain.ErrInvalidInput)
	}

	prevHash := GenesisHash
	if from > 0 {
		anchor, err := c.store.Chains().Get(ctx, chainID, from-1)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("chain.Chain.VerifyRange: anchor: %w", err)
		}
		prevHash = anchor.BlockHash
	}

	res := VerifyResult{ChainID: chainID, Valid: true}
	next := from
	for to < 0 || next <= to {
		limit := pageSize
		if to >= 0 {
			limit = int(min(int64(pageSize), to-next+1))
		}
		page, err := c.store.Chains().List(ctx, chainID, next, limit)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("chain.Chain.VerifyRange: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, b := range page {
			if reason := checkBlock(b, next, prevHash); reason != "" {
				broken := next
				res.Valid = false
				res.BrokenAtSequence = &broken
				res.Reason = reason
				if c.markReported(res) {
					c.reportViolation(ctx, res)
				} else {
					log.Warn().
						Str("chain_id", chainID).
						Int64("sequence", broken).
						Msg("chain.Verify: integrity violation already reported")
				}
				return res, nil
			}
			res.BlocksChecked++
			prevHash = b.BlockHash
			next++
		}
		if len(page) < limit {
			break
		}
	}

	if res.BlocksChecked == 0 && from == 0 {
		return VerifyResult{}, fmt.Errorf("chain.Chain.VerifyRange(%q): %w", chainID, domain.ErrNotFound)
	}
	if to >= 0 && next <= to {
		return VerifyResult{}, fmt.Errorf("chain.Chain.VerifyRange(%q): no block at %d: %w", chainID, next, domain.ErrNotFound)
	}
	if from == 0 && to < 0 {
		c.clearReported(chainID)
	}
	return res, nil
}

type violationKey struct {
	sequence int64
	reason   string
}

// markReported records res as reported and reports whether it is a break
// not reported before.
func (c *Chain) markReported(res VerifyResult) bool {
	key := violationKey{sequence: *res.BrokenAtSequence, reason: res.Reason}

	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	if prev, ok := c.reported[res.ChainID]; ok && prev == key {
		return false
	}
	c.reported[res.ChainID] = key
	return true
}

func (c *Chain) clearReported(chainID string) {
	c.reportMu.Lock()
	delete(c.reported, chainID)
	c.reportMu.Unlock()
}

// checkBlock returns an empty string if b is the block expected at seq
// after a block hashing to prevHash, or the first reason it is not.
func checkBlock(b *domain.ChainBlock, seq int64, prevHash string) string {
	if b.Sequence != seq {
		return fmt.Sprintf("sequence gap: expected %d, found %d", seq, b.Sequence)
	}

	alg := Algorithm(b.HashAlgorithm)
	if alg != SHA256 && alg != BLAKE2b256 {
		return fmt.Sprintf("unknown hash algorithm %q", b.HashAlgorithm)
	}

	contentHash, err := ContentHash(alg, b.Payload)
	if err != nil {
		return err.Error()
	}
	if contentHash != b.ContentHash {
		return "content hash does not match payload"
	}

	blockHash, err := BlockHash(alg, b.ContentHash, b.PreviousBlockHash, b.Sequence, b.Metadata)
	if err != nil {
		return err.Error()
	}
	if blockHash != b.BlockHash {
		return "block hash does not match block contents"
	}

	if b.PreviousBlockHash != prevHash {
		return "previous block hash does not link to predecessor"
	}
	return ""
}

func (c *Chain) reportViolation(ctx context.Context, res VerifyResult) {
	seq := strconv.FormatInt(*res.BrokenAtSequence, 10)

	log.Error().
		Err(res.Err()).
		Str("chain_id", res.ChainID).
		Str("sequence", seq).
		Msg("chain.Verify: integrity violation")

	_, err := c.audit.Record(ctx, &domain.AuditEvent{
		EventType: domain.EventChainViolation,
		ActorID:   domain.SystemActor,
		TargetRef: BlockRef(res.ChainID, *res.BrokenAtSequence),
		Details: map[string]any{
			"reason":         res.Reason,
			"blocks_checked": res.BlocksChecked,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("chain_id", res.ChainID).Msg("chain.Verify: record violation")
	}

	err = c.alerter.Alert(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Title:    "Evidence chain integrity violation",
		Text:     res.Reason,
		Fields: map[string]string{
			"chain_id": res.ChainID,
			"sequence": seq,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("chain_id", res.ChainID).Msg("chain.Verify: alert")
	}
}
