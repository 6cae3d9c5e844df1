// Package ledger owns account balances. Every debit is a conditional,
// atomic decrement: it succeeds only if the balance covers the amount.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/audit"
	"github.com/gosuda/meterchain/internal/domain"
)

const DefaultMaxRetries = 8

// BalanceChange is the balance immediately before and after a mutation.
type BalanceChange struct {
	Before int64 `json:"before"`
	After  int64 `json:"after"`
}

type CreditRequest struct {
	AccountID uuid.UUID
	ActorID   uuid.UUID
	Amount    int64
	Reason    string
}

type Options struct {
	// MaxRetries bounds compare-and-set attempts under contention.
	MaxRetries int
	Now        func() time.Time
}

type Ledger struct {
	store      domain.Store
	audit      *audit.Log
	maxRetries int
	now        func() time.Time
}

func New(store domain.Store, auditLog *audit.Log, opts Options) *Ledger {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		store:      store,
		audit:      auditLog,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
	}
}

// Open creates an account holding startingBalance.
func (l *Ledger) Open(ctx context.Context, accountID, actorID uuid.UUID, startingBalance int64) (*domain.Account, error) {
	if startingBalance < 0 {
		return nil, fmt.Errorf("ledger.Ledger.Open: negative starting balance: %w", domain.ErrInvalidInput)
	}
	if accountID == uuid.Nil {
		accountID = uuid.New()
	}

	now := l.now()
	acct := &domain.Account{
		ID:        accountID,
		Balance:   startingBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	event := &domain.AuditEvent{
		EventType:  domain.EventAccountOpened,
		AccountID:  accountID,
		ActorID:    actorID,
		TargetRef:  "account/" + accountID.String(),
		AfterState: map[string]any{"balance": startingBalance},
	}

	err := l.store.InTx(ctx, func(tx domain.Repositories) error {
		if err := tx.Accounts().Create(ctx, acct); err != nil {
			return err
		}
		return l.audit.RecordIn(ctx, tx, event)
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return nil, fmt.Errorf("ledger.Ledger.Open: account %s exists: %w", accountID, domain.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger.Ledger.Open: %w", err)
	}

	l.audit.Announce(ctx, event)
	return acct, nil
}

func (l *Ledger) Balance(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	acct, err := l.store.Accounts().GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger.Ledger.Balance: %w", err)
	}
	return acct, nil
}

// Reserve debits amount in its own transaction. It writes no audit event;
// callers that need one compose ReserveIn inside their transaction.
func (l *Ledger) Reserve(ctx context.Context, accountID uuid.UUID, amount int64) (BalanceChange, error) {
	var change BalanceChange
	err := l.store.InTx(ctx, func(tx domain.Repositories) error {
		var err error
		change, err = l.ReserveIn(ctx, tx, accountID, amount)
		return err
	})
	if err != nil {
		return BalanceChange{}, err
	}
	return change, nil
}

// ReserveIn decrements the balance by amount if and only if the balance
// covers it. The check and the write are one compare-and-set on the account
// version, retried while other writers win the race.
func (l *Ledger) ReserveIn(ctx context.Context, tx domain.Repositories, accountID uuid.UUID, amount int64) (BalanceChange, error) {
	if amount <= 0 {
		return BalanceChange{}, fmt.Errorf("ledger.Ledger.Reserve: amount must be positive: %w", domain.ErrInvalidInput)
	}

	for range l.maxRetries {
		acct, err := tx.Accounts().GetByID(ctx, accountID)
		if err != nil {
			return BalanceChange{}, fmt.Errorf("ledger.Ledger.Reserve: %w", err)
		}
		if acct.Disabled {
			return BalanceChange{}, fmt.Errorf("ledger.Ledger.Reserve: %w", domain.ErrAccountDisabled)
		}
		if acct.Balance < amount {
			return BalanceChange{}, fmt.Errorf("ledger.Ledger.Reserve: balance %d, need %d: %w",
				acct.Balance, amount, domain.ErrInsufficientFunds)
		}

		after := acct.Balance - amount
		err = tx.Accounts().CompareAndSetBalance(ctx, accountID, acct.Version, after, l.now())
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return BalanceChange{}, fmt.Errorf("ledger.Ledger.Reserve: %w", err)
		}
		return BalanceChange{Before: acct.Balance, After: after}, nil
	}

	log.Warn().Str("account_id", accountID.String()).Int("attempts", l.maxRetries).Msg("ledger.Reserve: contention")
	return BalanceChange{}, fmt.Errorf("ledger.Ledger.Reserve: retries exhausted: %w", domain.ErrConflict)
}

// Credit adds funds and records a credited event in the same transaction.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (BalanceChange, error) {
	var (
		change BalanceChange
		event  *domain.AuditEvent
	)
	err := l.store.InTx(ctx, func(tx domain.Repositories) error {
		var err error
		change, err = l.CreditIn(ctx, tx, req.AccountID, req.Amount)
		if err != nil {
			return err
		}
		event = &domain.AuditEvent{
			EventType:   domain.EventCredited,
			AccountID:   req.AccountID,
			ActorID:     req.ActorID,
			TargetRef:   "account/" + req.AccountID.String(),
			BeforeState: map[string]any{"balance": change.Before},
			AfterState:  map[string]any{"balance": change.After},
			Details:     map[string]any{"amount": req.Amount, "reason": req.Reason},
		}
		return l.audit.RecordIn(ctx, tx, event)
	})
	if err != nil {
		return BalanceChange{}, fmt.Errorf("ledger.Ledger.Credit: %w", err)
	}

	l.audit.Announce(ctx, event)
	return change, nil
}

// CreditIn adds amount through the caller's transaction without auditing.
// Disabled accounts may still be credited, which is how refunds reach them.
func (l *Ledger) CreditIn(ctx context.Context, tx domain.Repositories, accountID uuid.UUID, amount int64) (BalanceChange, error) {
	if amount <= 0 {
		return BalanceChange{}, fmt.Errorf("ledger.Ledger.Credit: amount must be positive: %w", domain.ErrInvalidInput)
	}

	for range l.maxRetries {
		acct, err := tx.Accounts().GetByID(ctx, accountID)
		if err != nil {
			return BalanceChange{}, fmt.Errorf("ledger.Ledger.Credit: %w", err)
		}
		after, ok := safeAdd(acct.Balance, amount)
		if !ok {
			return BalanceChange{}, fmt.Errorf("ledger.Ledger.Credit: balance overflow: %w", domain.ErrInvalidInput)
		}

		err = tx.Accounts().CompareAndSetBalance(ctx, accountID, acct.Version, after, l.now())
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return BalanceChange{}, fmt.Errorf("ledger.Ledger.Credit: %w", err)
		}
		return BalanceChange{Before: acct.Balance, After: after}, nil
	}

	return BalanceChange{}, fmt.Errorf("ledger.Ledger.Credit: retries exhausted: %w", domain.ErrConflict)
}

// Disable soft-disables an account. Disabled accounts keep their balance and
// history but can no longer be debited.
func (l *Ledger) Disable(ctx context.Context, accountID, actorID uuid.UUID) (*domain.Account, error) {
	var (
		out   *domain.Account
		event *domain.AuditEvent
	)
	err := l.store.InTx(ctx, func(tx domain.Repositories) error {
		acct, err := tx.Accounts().GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.Disabled {
			out = acct
			return nil
		}

		now := l.now()
		if err := tx.Accounts().SetDisabled(ctx, accountID, acct.Version, true, now); err != nil {
			return err
		}
		event = &domain.AuditEvent{
			EventType:   domain.EventAccountDisabled,
			AccountID:   accountID,
			ActorID:     actorID,
			TargetRef:   "account/" + accountID.String(),
			BeforeState: map[string]any{"disabled": false},
			AfterState:  map[string]any{"disabled": true},
		}
		if err := l.audit.RecordIn(ctx, tx, event); err != nil {
			return err
		}

		acct.Disabled = true
		acct.Version++
		acct.UpdatedAt = now
		out = acct
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger.Ledger.Disable: %w", err)
	}

	if event != nil {
		l.audit.Announce(ctx, event)
	}
	return out, nil
}

func safeAdd(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
