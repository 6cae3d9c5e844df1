package domain

import (
	"context"
	"maps"
	"slices"
	"time"
)

// ChainBlock is one immutable element of an evidence chain.
type ChainBlock struct {
	ChainID           string            `json:"chain_id"`
	Sequence          int64             `json:"sequence"`
	Payload           []byte            `json:"payload"`
	ContentHash       string            `json:"content_hash"`
	PreviousBlockHash string            `json:"previous_block_hash"`
	BlockHash         string            `json:"block_hash"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	HashAlgorithm     string            `json:"hash_algorithm"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Clone returns a deep copy so stored blocks cannot be altered through
// a returned value.
func (b *ChainBlock) Clone() *ChainBlock {
	c := *b
	c.Payload = slices.Clone(b.Payload)
	c.Metadata = maps.Clone(b.Metadata)
	return &c
}

type ChainRepository interface {
	// Tail returns the highest-sequence block, or ErrNotFound for an empty chain.
	Tail(ctx context.Context, chainID string) (*ChainBlock, error)
	Get(ctx context.Context, chainID string, sequence int64) (*ChainBlock, error)

	// Insert writes b at b.Sequence. Returns ErrConflict if that sequence is
	// already taken.
	Insert(ctx context.Context, b *ChainBlock) error

	// List returns up to limit blocks with sequence >= from, ascending.
	List(ctx context.Context, chainID string, from int64, limit int) ([]*ChainBlock, error)

	// ChainIDs returns every chain with at least one block.
	ChainIDs(ctx context.Context) ([]string, error)
}
