package metering_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/meterchain/internal/audit"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/metering"
	"github.com/gosuda/meterchain/internal/store/memory"
)

func TestReconcile_FailsStuckUnits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, metering.Config{WorkTimeout: time.Minute})
	stuck := f.begin(t, 3, "")
	f.clock.Advance(30 * time.Minute)
	fresh := f.begin(t, 3, "")
	f.clock.Advance(45 * time.Minute)

	n, err := f.orch.Reconcile(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.orch.Get(context.Background(), f.account, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkStatusFailed, got.Status)
	assert.Equal(t, metering.ReconcileReason, got.ErrorReason)
	assert.False(t, got.Refunded)

	untouched, err := f.orch.Get(context.Background(), f.account, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkStatusPending, untouched.Status)

	reconciled := f.events(t, domain.EventWorkReconciled)
	require.Len(t, reconciled, 1)
	assert.Equal(t, domain.SystemActor, reconciled[0].ActorID)
	assert.Equal(t, "work/"+stuck.ID.String(), reconciled[0].TargetRef)

	failed := f.events(t, domain.EventWorkFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, metering.ReconcileReason, failed[0].Details["reason"])

	// Charges stay under the default policy.
	assert.Equal(t, int64(4), f.balance(t))

	n, err = f.orch.Reconcile(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile_RefundAlways(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, metering.Config{WorkTimeout: time.Minute, RefundPolicy: metering.RefundAlways})
	f.begin(t, 4, "")
	f.clock.Advance(2 * time.Hour)

	n, err := f.orch.Reconcile(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(10), f.balance(t))
	assert.Len(t, f.events(t, domain.EventRefunded), 1)
}

func TestReconcile_NotStartedPolicyKeepsCharge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, metering.Config{WorkTimeout: time.Minute, RefundPolicy: metering.RefundNotStarted})
	f.begin(t, 4, "")
	f.clock.Advance(2 * time.Hour)

	_, err := f.orch.Reconcile(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(6), f.balance(t))
}

func TestReconcile_DeadlineMustExceedWorkTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, metering.Config{WorkTimeout: time.Minute})
	_, err := f.orch.Reconcile(context.Background(), time.Minute)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReconcile_DeadlineMustCoverFinalizeRetries(t *testing.T) {
	t.Parallel()

	cfg := metering.Config{WorkTimeout: time.Minute, FinalizeTimeout: 5 * time.Second, FinalizeRetries: 3}
	// 1m of work, three 5s finalize attempts and 50ms+100ms of backoff.
	settle := time.Minute + 15*time.Second + 150*time.Millisecond
	assert.Equal(t, settle, cfg.SettleWindow())

	f := newFixture(t, 10, cfg)
	assert.Equal(t, settle, f.orch.SettleWindow())

	for _, olderThan := range []time.Duration{time.Minute + time.Second, settle} {
		_, err := f.orch.Reconcile(context.Background(), olderThan)
		require.ErrorIs(t, err, domain.ErrInvalidInput, olderThan.String())
	}

	_, err := f.orch.Reconcile(context.Background(), settle+time.Millisecond)
	require.NoError(t, err)
}

func TestConfig_SettleWindowDefaults(t *testing.T) {
	t.Parallel()

	want := metering.DefaultWorkTimeout + metering.DefaultFinalizeRetries*metering.DefaultFinalizeTimeout + 150*time.Millisecond
	assert.Equal(t, want, metering.Config{}.SettleWindow())
}

func TestReconcile_LateExecuteLosesToSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, metering.Config{WorkTimeout: time.Minute})
	unit := f.begin(t, 5, "")
	f.clock.Advance(2 * time.Hour)

	_, err := f.orch.Reconcile(context.Background(), time.Hour)
	require.NoError(t, err)

	final, err := f.orch.Execute(context.Background(), unit, succeed("late"), nil)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.WorkStatusFailed, final.Status)
	assert.Empty(t, f.events(t, domain.EventWorkCompleted))
}

// brokenFinalizeStore rejects every finalize write, as a database outage
// after the work returned would.
type brokenFinalizeStore struct {
	*memory.Store
	broken bool
}

func (s *brokenFinalizeStore) InTx(ctx context.Context, fn func(tx domain.Repositories) error) error {
	return s.Store.InTx(ctx, func(tx domain.Repositories) error {
		return fn(brokenFinalizeRepos{Repositories: tx, store: s})
	})
}

type brokenFinalizeRepos struct {
	domain.Repositories
	store *brokenFinalizeStore
}

func (r brokenFinalizeRepos) WorkUnits() domain.WorkUnitRepository {
	return brokenFinalizeWork{WorkUnitRepository: r.Repositories.WorkUnits(), store: r.store}
}

type brokenFinalizeWork struct {
	domain.WorkUnitRepository
	store *brokenFinalizeStore
}

func (w brokenFinalizeWork) Finalize(ctx context.Context, id uuid.UUID, outcome domain.WorkOutcome) error {
	if w.store.broken {
		return errors.New("connection reset")
	}
	return w.WorkUnitRepository.Finalize(ctx, id, outcome)
}

func TestExecute_FinalizeOutageLeavesUnitForReconcile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, metering.Config{})
	store := &brokenFinalizeStore{Store: f.store, broken: true}
	orch := metering.New(store, f.ledger, audit.NewLog(store, nil, f.clock.Now), nil, nil, metering.Config{
		WorkTimeout:     time.Minute,
		FinalizeRetries: 2,
		Now:             f.clock.Now,
	})

	unit, err := orch.Begin(context.Background(), metering.BeginRequest{AccountID: f.account, Kind: "report", Cost: 5})
	require.NoError(t, err)

	_, err = orch.Execute(context.Background(), unit, succeed("done"), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrExternalWork)

	stored, err := orch.Get(context.Background(), f.account, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkStatusPending, stored.Status)

	store.broken = false
	f.clock.Advance(2 * time.Hour)

	n, err := orch.Reconcile(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err = orch.Get(context.Background(), f.account, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkStatusFailed, stored.Status)
}
