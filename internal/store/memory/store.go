// Package memory is a single-process implementation of domain.Store for
// development and tests. Transactions run on a copy of the state under one
// mutex and replace it on success.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gosuda/meterchain/internal/domain"
)

type requestKey struct {
	accountID uuid.UUID
	requestID string
}

type state struct {
	accounts map[uuid.UUID]domain.Account
	work     map[uuid.UUID]domain.WorkUnit
	requests map[requestKey]uuid.UUID
	audit    []domain.AuditEvent
	auditSeq int64
	chains   map[string][]domain.ChainBlock
}

func newState() *state {
	return &state{
		accounts: make(map[uuid.UUID]domain.Account),
		work:     make(map[uuid.UUID]domain.WorkUnit),
		requests: make(map[requestKey]uuid.UUID),
		chains:   make(map[string][]domain.ChainBlock),
	}
}

// clone copies the containers. Stored records are values that are replaced,
// never mutated in place, so sharing their inner maps and slices is safe.
func (s *state) clone() *state {
	c := &state{
		accounts: maps.Clone(s.accounts),
		work:     maps.Clone(s.work),
		requests: maps.Clone(s.requests),
		audit:    slices.Clip(s.audit),
		auditSeq: s.auditSeq,
		chains:   make(map[string][]domain.ChainBlock, len(s.chains)),
	}
	for id, blocks := range s.chains {
		c.chains[id] = slices.Clip(blocks)
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st *state
}

var _ domain.Store = (*Store)(nil) //nolint:gochecknoglobals // compile-time check

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) Accounts() domain.AccountRepository   { return &accountRepo{view{store: s}} }
func (s *Store) WorkUnits() domain.WorkUnitRepository { return &workRepo{view{store: s}} }
func (s *Store) Audit() domain.AuditRepository        { return &auditRepo{view{store: s}} }
func (s *Store) Chains() domain.ChainRepository       { return &chainRepo{view{store: s}} }

// InTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds. fn must use tx, not the Store's own repositories,
// which would block on the held mutex.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txRepos{view{tx: s.st.clone()}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = tx.tx
	return nil
}

// view resolves which state a repository operates on: the transaction copy
// when tx is set, otherwise the live state under the store mutex.
type view struct {
	store *Store
	tx    *state
}

func (v view) read(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return fn(v.store.st)
}

type txRepos struct {
	view
}

func (t *txRepos) Accounts() domain.AccountRepository   { return &accountRepo{t.view} }
func (t *txRepos) WorkUnits() domain.WorkUnitRepository { return &workRepo{t.view} }
func (t *txRepos) Audit() domain.AuditRepository        { return &auditRepo{t.view} }
func (t *txRepos) Chains() domain.ChainRepository       { return &chainRepo{t.view} }

func sortAudit(events []*domain.AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Sequence < events[j].Sequence
	})
}
