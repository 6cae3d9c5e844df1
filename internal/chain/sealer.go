package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/gosuda/meterchain/internal/domain"
)

// SealRequest is the payload of the seal work kind.
type SealRequest struct {
	ChainID  string            `json:"chain_id"`
	Document json.RawMessage   `json:"document"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sealer appends documents to a chain as metered work. The work unit id is
// recorded in the block metadata so the charge and the block reference
// each other.
type Sealer struct {
	chain *Chain
}

func NewSealer(c *Chain) *Sealer {
	return &Sealer{chain: c}
}

func (s *Sealer) Perform(ctx context.Context, unit domain.WorkUnit, payload []byte) (string, error) {
	var req SealRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", fmt.Errorf("chain.Sealer.Perform: decode: %w: %w", domain.ErrWorkNotStarted, domain.ErrInvalidInput)
	}
	if len(req.Document) == 0 {
		return "", fmt.Errorf("chain.Sealer.Perform: empty document: %w: %w", domain.ErrWorkNotStarted, domain.ErrInvalidInput)
	}
	if err := ValidateChainID(req.ChainID); err != nil {
		return "", fmt.Errorf("chain.Sealer.Perform: %w: %w", domain.ErrWorkNotStarted, err)
	}

	meta := maps.Clone(req.Metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta["work_id"] = unit.ID.String()

	block, err := s.chain.Append(ctx, AppendRequest{
		ChainID:   req.ChainID,
		Payload:   req.Document,
		Metadata:  meta,
		AccountID: unit.AccountID,
		ActorID:   unit.ActorID,
	})
	if err != nil {
		return "", fmt.Errorf("chain.Sealer.Perform: %w", err)
	}
	return BlockRef(block.ChainID, block.Sequence), nil
}
