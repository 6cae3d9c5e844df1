package domain

import "context"

// Repositories groups the repositories that share one atomic unit.
type Repositories interface {
	Accounts() AccountRepository
	WorkUnits() WorkUnitRepository
	Audit() AuditRepository
	Chains() ChainRepository
}

// Store exposes auto-commit repositories and a transaction runner.
// Everything fn does through tx commits together or not at all; a non-nil
// return from fn rolls back.
type Store interface {
	Repositories
	InTx(ctx context.Context, fn func(tx Repositories) error) error
}
