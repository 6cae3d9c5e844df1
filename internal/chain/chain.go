// Package chain maintains hash-linked, append-only evidence chains.
//
// Each block commits to its payload through contentHash and to its
// predecessor through previousBlockHash, so altering any stored block is
// detectable by recomputation alone, without a shared secret.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/alert"
	"github.com/gosuda/meterchain/internal/audit"
	"github.com/gosuda/meterchain/internal/domain"
	redisstore "github.com/gosuda/meterchain/internal/store/redis"
)

const (
	DefaultMaxAppendRetries = 5
	maxChainIDLen           = 128
	pageSize                = 500
)

// Publisher abstracts the Redis pub/sub publish operation.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Options struct {
	Algorithm        Algorithm
	MaxAppendRetries int
	Now              func() time.Time
}

// AppendRequest carries one fact to be sealed into a chain. AccountID and
// ActorID are attributed on the entry_sealed audit event.
type AppendRequest struct {
	ChainID   string
	Payload   []byte
	Metadata  map[string]string
	AccountID uuid.UUID
	ActorID   uuid.UUID
}

type Chain struct {
	store      domain.Store
	audit      *audit.Log
	alerter    alert.Alerter
	pubsub     Publisher
	alg        Algorithm
	maxRetries int
	now        func() time.Time

	// reported holds the last break reported per chain.
	reportMu sync.Mutex
	reported map[string]violationKey
}

// New creates a Chain service. pubsub may be nil; alerter defaults to the
// process log.
func New(store domain.Store, auditLog *audit.Log, alerter alert.Alerter, pubsub Publisher, opts Options) *Chain {
	if opts.Algorithm == "" {
		opts.Algorithm = SHA256
	}
	if opts.MaxAppendRetries <= 0 {
		opts.MaxAppendRetries = DefaultMaxAppendRetries
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}
	return &Chain{
		store:      store,
		audit:      auditLog,
		alerter:    alerter,
		pubsub:     pubsub,
		alg:        opts.Algorithm,
		maxRetries: opts.MaxAppendRetries,
		now:        opts.Now,
		reported:   make(map[string]violationKey),
	}
}

// ValidateChainID rejects empty, oversized and whitespace-bearing ids.
func ValidateChainID(id string) error {
	if id == "" || len(id) > maxChainIDLen {
		return fmt.Errorf("chain id length must be 1..%d: %w", maxChainIDLen, domain.ErrInvalidInput)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("chain id %q contains whitespace: %w", id, domain.ErrInvalidInput)
		}
	}
	return nil
}

// Append seals req.Payload as the next block of req.ChainID.
//
// The tail is read without holding anything; the insert then claims
// tail+1 and fails if another appender claimed it first. On that conflict
// the tail is re-read and the block recomputed, up to the retry budget.
func (c *Chain) Append(ctx context.Context, req AppendRequest) (*domain.ChainBlock, error) {
	if err := ValidateChainID(req.ChainID); err != nil {
		return nil, fmt.Errorf("chain.Chain.Append: %w", err)
	}

	contentHash, err := ContentHash(c.alg, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("chain.Chain.Append: %w", err)
	}

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		block, event, err := c.tryAppend(ctx, req, contentHash)
		if errors.Is(err, domain.ErrConflict) {
			log.Debug().Str("chain_id", req.ChainID).Int("attempt", attempt).Msg("chain.Append: sequence taken, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("chain.Chain.Append: %w", err)
		}

		c.audit.Announce(ctx, event)
		c.publish(ctx, block)
		return block, nil
	}

	return nil, fmt.Errorf("chain.Chain.Append: %d attempts: %w", c.maxRetries, domain.ErrConflict)
}

func (c *Chain) tryAppend(ctx context.Context, req AppendRequest, contentHash string) (*domain.ChainBlock, *domain.AuditEvent, error) {
	seq, prevHash := int64(0), GenesisHash
	tail, err := c.store.Chains().Tail(ctx, req.ChainID)
	switch {
	case err == nil:
		seq, prevHash = tail.Sequence+1, tail.BlockHash
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, nil, err
	}

	blockHash, err := BlockHash(c.alg, contentHash, prevHash, seq, req.Metadata)
	if err != nil {
		return nil, nil, err
	}

	block := &domain.ChainBlock{
		ChainID:           req.ChainID,
		Sequence:          seq,
		Payload:           slices.Clone(req.Payload),
		ContentHash:       contentHash,
		PreviousBlockHash: prevHash,
		BlockHash:         blockHash,
		Metadata:          req.Metadata,
		HashAlgorithm:     string(c.alg),
		CreatedAt:         c.now(),
	}
	event := &domain.AuditEvent{
		EventType: domain.EventEntrySealed,
		AccountID: req.AccountID,
		ActorID:   req.ActorID,
		TargetRef: BlockRef(req.ChainID, seq),
		AfterState: map[string]any{
			"content_hash": contentHash,
			"block_hash":   blockHash,
		},
	}

	err = c.store.InTx(ctx, func(tx domain.Repositories) error {
		if err := tx.Chains().Insert(ctx, block); err != nil {
			return err
		}
		return c.audit.RecordIn(ctx, tx, event)
	})
	if err != nil {
		return nil, nil, err
	}
	return block, event, nil
}

func (c *Chain) publish(ctx context.Context, b *domain.ChainBlock) {
	if c.pubsub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":  "block_appended",
		"block": b,
	})
	if err != nil {
		log.Error().Err(err).Str("chain_id", b.ChainID).Msg("chain.publish: marshal")
		return
	}
	if err := c.pubsub.Publish(ctx, redisstore.ChainChannel(b.ChainID), payload); err != nil {
		log.Warn().Err(err).Str("chain_id", b.ChainID).Int64("sequence", b.Sequence).Msg("chain.publish: failed")
	}
}

// Blocks returns up to limit blocks starting at sequence from.
func (c *Chain) Blocks(ctx context.Context, chainID string, from int64, limit int) ([]*domain.ChainBlock, error) {
	if from < 0 || limit < 0 {
		return nil, fmt.Errorf("chain.Chain.Blocks: negative range: %w", domain.ErrInvalidInput)
	}
	if limit == 0 || limit > pageSize {
		limit = pageSize
	}
	blocks, err := c.store.Chains().List(ctx, chainID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("chain.Chain.Blocks: %w", err)
	}
	return blocks, nil
}

// Head returns the latest block of a chain.
func (c *Chain) Head(ctx context.Context, chainID string) (*domain.ChainBlock, error) {
	b, err := c.store.Chains().Tail(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("chain.Chain.Head: %w", err)
	}
	return b, nil
}

// ChainIDs lists every non-empty chain.
func (c *Chain) ChainIDs(ctx context.Context) ([]string, error) {
	ids, err := c.store.Chains().ChainIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain.Chain.ChainIDs: %w", err)
	}
	return ids, nil
}

// BlockRef is the audit target reference of a block.
func BlockRef(chainID string, sequence int64) string {
	return "chain/" + chainID + "/" + strconv.FormatInt(sequence, 10)
}
