package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gosuda/meterchain/internal/domain"
)

const blockColumns = `chain_id, sequence, payload, content_hash, previous_block_hash, block_hash,
	metadata, hash_algorithm, created_at`

type ChainRepo struct {
	db dbtx
}

func (r *ChainRepo) Tail(ctx context.Context, chainID string) (*domain.ChainBlock, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM chain_blocks
		 WHERE chain_id = $1 ORDER BY sequence DESC LIMIT 1`,
		chainID,
	)
	return scanBlock(row, "chainRepo.Tail")
}

func (r *ChainRepo) Get(ctx context.Context, chainID string, sequence int64) (*domain.ChainBlock, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM chain_blocks WHERE chain_id = $1 AND sequence = $2`,
		chainID, sequence,
	)
	return scanBlock(row, "chainRepo.Get")
}

// Insert only succeeds when b.Sequence is exactly one past the current tail.
// A lost race shows up either as zero rows or a primary key violation.
func (r *ChainRepo) Insert(ctx context.Context, b *domain.ChainBlock) error {
	metadata, err := marshalState(b.Metadata)
	if err != nil {
		return fmt.Errorf("chainRepo.Insert: marshal metadata: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO chain_blocks (`+blockColumns+`)
		 SELECT $1::text, $2::bigint, $3::bytea, $4::text, $5::text, $6::text, $7::jsonb, $8::text, $9::timestamptz
		 WHERE $2::bigint = (SELECT COALESCE(MAX(sequence) + 1, 0) FROM chain_blocks WHERE chain_id = $1::text)`,
		b.ChainID, b.Sequence, b.Payload, b.ContentHash, b.PreviousBlockHash, b.BlockHash,
		metadata, b.HashAlgorithm, b.CreatedAt,
	)
	if err != nil {
		err = classify(err)
		if errors.Is(err, domain.ErrDuplicate) {
			return fmt.Errorf("chainRepo.Insert: %w", domain.ErrConflict)
		}
		return fmt.Errorf("chainRepo.Insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chainRepo.Insert: sequence %d is not next: %w", b.Sequence, domain.ErrConflict)
	}

	return nil
}

func (r *ChainRepo) List(ctx context.Context, chainID string, from int64, limit int) ([]*domain.ChainBlock, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+blockColumns+` FROM chain_blocks
		 WHERE chain_id = $1 AND sequence >= $2
		 ORDER BY sequence
		 LIMIT $3`,
		chainID, from, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("chainRepo.List: %w", err)
	}
	defer rows.Close()

	var blocks []*domain.ChainBlock
	for rows.Next() {
		b, err := scanBlock(rows, "chainRepo.List")
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chainRepo.List: rows: %w", err)
	}

	return blocks, nil
}

func (r *ChainRepo) ChainIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT chain_id FROM chain_blocks ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("chainRepo.ChainIDs: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("chainRepo.ChainIDs: %w", err)
	}

	return ids, nil
}

func scanBlock(row pgx.Row, caller string) (*domain.ChainBlock, error) {
	var (
		b        domain.ChainBlock
		metadata []byte
	)

	err := row.Scan(
		&b.ChainID, &b.Sequence, &b.Payload, &b.ContentHash, &b.PreviousBlockHash, &b.BlockHash,
		&metadata, &b.HashAlgorithm, &b.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: scan: %w", caller, err)
	}
	if err := unmarshalState(metadata, &b.Metadata); err != nil {
		return nil, fmt.Errorf("%s: unmarshal metadata: %w", caller, err)
	}

	return &b, nil
}
