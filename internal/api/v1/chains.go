package v1

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/meterchain/internal/chain"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/server/middleware"
)

const sealKind = "seal"

type AppendBlockInput struct {
	ChainID string `path:"chainID" doc:"Evidence chain ID"`
	Body    struct {
		Payload  json.RawMessage   `json:"payload" doc:"Document to seal"`
		Metadata map[string]string `json:"metadata,omitempty" doc:"Free-form labels committed into the block hash"`
	}
}

type BlockOutput struct {
	Body *domain.ChainBlock
}

type SealInput struct {
	ChainID string `path:"chainID" doc:"Evidence chain ID"`
	Body    struct {
		RequestID string            `json:"request_id,omitempty" maxLength:"128" doc:"Idempotency key, unique per account"`
		Document  json.RawMessage   `json:"document" doc:"Document to seal"`
		Metadata  map[string]string `json:"metadata,omitempty" doc:"Free-form labels committed into the block hash"`
	}
}

type ListBlocksInput struct {
	ChainID string `path:"chainID" doc:"Evidence chain ID"`
	From    int64  `query:"from" minimum:"0" doc:"First sequence to return"`
	Limit   int    `query:"limit" minimum:"0" maximum:"500" doc:"Maximum blocks (default 500)"`
}

type ListBlocksOutput struct {
	Body []*domain.ChainBlock
}

type ChainHeadInput struct {
	ChainID string `path:"chainID" doc:"Evidence chain ID"`
}

type VerifyChainInput struct {
	ChainID string `path:"chainID" doc:"Evidence chain ID"`
	From    int64  `query:"from" minimum:"0" doc:"First sequence to verify"`
	To      int64  `query:"to" default:"-1" doc:"Last sequence to verify; -1 means the current head"`
}

type VerifyChainOutput struct {
	Body chain.VerifyResult
}

func RegisterChainRoutes(api huma.API, chains ChainService, work WorkService) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-block",
		Method:        http.MethodPost,
		Path:          "/chains/{chainID}/blocks",
		Summary:       "Append a block to an evidence chain",
		Tags:          []string{"Chains"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *AppendBlockInput) (*BlockOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.require(middleware.RoleMember); err != nil {
			return nil, err
		}
		if len(input.Body.Payload) == 0 {
			return nil, huma.Error422UnprocessableEntity("payload is required")
		}

		block, err := chains.Append(ctx, chain.AppendRequest{
			ChainID:   input.ChainID,
			Payload:   input.Body.Payload,
			Metadata:  input.Body.Metadata,
			AccountID: c.accountID,
			ActorID:   c.actorID,
		})
		if err != nil {
			return nil, problem(err, "failed to append block")
		}

		return &BlockOutput{Body: block}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seal-document",
		Method:      http.MethodPost,
		Path:        "/chains/{chainID}/seal",
		Summary:     "Charge for and seal a document into an evidence chain",
		Tags:        []string{"Chains"},
	}, func(ctx context.Context, input *SealInput) (*WorkOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.require(middleware.RoleMember); err != nil {
			return nil, err
		}
		if len(input.Body.Document) == 0 {
			return nil, huma.Error422UnprocessableEntity("document is required")
		}
		if err := chain.ValidateChainID(input.ChainID); err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}

		payload, err := json.Marshal(chain.SealRequest{
			ChainID:  input.ChainID,
			Document: input.Body.Document,
			Metadata: input.Body.Metadata,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to encode seal request", err)
		}

		return runWork(ctx, work, c, sealKind, input.Body.RequestID, payload)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-blocks",
		Method:      http.MethodGet,
		Path:        "/chains/{chainID}/blocks",
		Summary:     "List blocks of an evidence chain in sequence order",
		Tags:        []string{"Chains"},
	}, func(ctx context.Context, input *ListBlocksInput) (*ListBlocksOutput, error) {
		if _, err := callerFromContext(ctx); err != nil {
			return nil, err
		}

		blocks, err := chains.Blocks(ctx, input.ChainID, input.From, input.Limit)
		if err != nil {
			return nil, problem(err, "failed to list blocks")
		}

		return &ListBlocksOutput{Body: blocks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-chain-head",
		Method:      http.MethodGet,
		Path:        "/chains/{chainID}/head",
		Summary:     "Get the latest block of an evidence chain",
		Tags:        []string{"Chains"},
	}, func(ctx context.Context, input *ChainHeadInput) (*BlockOutput, error) {
		if _, err := callerFromContext(ctx); err != nil {
			return nil, err
		}

		block, err := chains.Head(ctx, input.ChainID)
		if err != nil {
			return nil, problem(err, "chain")
		}

		return &BlockOutput{Body: block}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-chain",
		Method:      http.MethodGet,
		Path:        "/chains/{chainID}/verify",
		Summary:     "Recompute and verify an evidence chain",
		Description: "A broken chain is reported in the body with valid=false; it is not an HTTP error.",
		Tags:        []string{"Chains"},
	}, func(ctx context.Context, input *VerifyChainInput) (*VerifyChainOutput, error) {
		if _, err := callerFromContext(ctx); err != nil {
			return nil, err
		}

		res, err := chains.VerifyRange(ctx, input.ChainID, input.From, input.To)
		if err != nil {
			return nil, problem(err, "chain")
		}

		return &VerifyChainOutput{Body: res}, nil
	})
}
