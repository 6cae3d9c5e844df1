package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/meterchain/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// dbtx is satisfied by both the pool and an open transaction, so every
// repository runs unchanged inside or outside InTx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repos struct {
	accounts *AccountRepo
	work     *WorkUnitRepo
	audit    *AuditRepo
	chains   *ChainRepo
}

func newRepos(db dbtx) *repos {
	return &repos{
		accounts: &AccountRepo{db: db},
		work:     &WorkUnitRepo{db: db},
		audit:    &AuditRepo{db: db},
		chains:   &ChainRepo{db: db},
	}
}

func (r *repos) Accounts() domain.AccountRepository   { return r.accounts }
func (r *repos) WorkUnits() domain.WorkUnitRepository { return r.work }
func (r *repos) Audit() domain.AuditRepository        { return r.audit }
func (r *repos) Chains() domain.ChainRepository       { return r.chains }

type Store struct {
	*repos
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil) //nolint:gochecknoglobals // compile-time check

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{repos: newRepos(pool), pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres.Store.Migrate: %w", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction. Serialization failures and
// deadlocks surface as domain.ErrConflict so callers can retry.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Repositories) error) error {
	return classify(pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(newRepos(tx))
	}))
}

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// classify wraps driver errors in the matching domain sentinel.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %w", domain.ErrDuplicate, err)
	case codeCheckViolation:
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	}
	return err
}
