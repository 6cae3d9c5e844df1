package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/gosuda/meterchain/internal/domain"
)

type chainRepo struct {
	view
}

func (r *chainRepo) Tail(_ context.Context, chainID string) (*domain.ChainBlock, error) {
	var out *domain.ChainBlock
	err := r.read(func(st *state) error {
		blocks := st.chains[chainID]
		if len(blocks) == 0 {
			return fmt.Errorf("memory.chainRepo.Tail(%q): %w", chainID, domain.ErrNotFound)
		}
		out = blocks[len(blocks)-1].Clone()
		return nil
	})
	return out, err
}

func (r *chainRepo) Get(_ context.Context, chainID string, sequence int64) (*domain.ChainBlock, error) {
	var out *domain.ChainBlock
	err := r.read(func(st *state) error {
		blocks := st.chains[chainID]
		if sequence < 0 || sequence >= int64(len(blocks)) {
			return fmt.Errorf("memory.chainRepo.Get(%q, %d): %w", chainID, sequence, domain.ErrNotFound)
		}
		out = blocks[sequence].Clone()
		return nil
	})
	return out, err
}

// Insert accepts a block only at the next free sequence, which keeps the
// stored slice index equal to the block sequence.
func (r *chainRepo) Insert(_ context.Context, b *domain.ChainBlock) error {
	return r.read(func(st *state) error {
		blocks := st.chains[b.ChainID]
		if b.Sequence != int64(len(blocks)) {
			return fmt.Errorf("memory.chainRepo.Insert(%q, %d): tail is %d: %w",
				b.ChainID, b.Sequence, len(blocks)-1, domain.ErrConflict)
		}
		st.chains[b.ChainID] = append(blocks, *b.Clone())
		return nil
	})
}

func (r *chainRepo) List(_ context.Context, chainID string, from int64, limit int) ([]*domain.ChainBlock, error) {
	var out []*domain.ChainBlock
	err := r.read(func(st *state) error {
		blocks := st.chains[chainID]
		if from < 0 {
			from = 0
		}
		for i := from; i < int64(len(blocks)); i++ {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, blocks[i].Clone())
		}
		return nil
	})
	return out, err
}

func (r *chainRepo) ChainIDs(_ context.Context) ([]string, error) {
	var out []string
	err := r.read(func(st *state) error {
		for id, blocks := range st.chains {
			if len(blocks) > 0 {
				out = append(out, id)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}
