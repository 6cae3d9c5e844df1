package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/domain"
)

// ReconcileReason is recorded on units failed by the reconciliation sweep.
const ReconcileReason = "reconciled: pending past deadline"

// DefaultReconcileBatch bounds the units handled by one Reconcile call.
const DefaultReconcileBatch = 200

// errReconciled is the failure cause handed to the refund policy for
// swept units. Whether the work started is unknown.
var errReconciled = errors.New(ReconcileReason) //nolint:gochecknoglobals // sentinel error

// Reconcile fails every unit that has been Pending longer than olderThan,
// typically left behind by a process that died mid-execution. It returns
// how many units it moved to Failed. Units finalized concurrently are
// skipped.
func (o *Orchestrator) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	if settle := o.cfg.SettleWindow(); olderThan <= settle {
		return 0, fmt.Errorf("metering.Orchestrator.Reconcile: deadline %s must exceed work timeout plus finalize retries %s: %w",
			olderThan, settle, domain.ErrInvalidInput)
	}

	cutoff := o.cfg.Now().Add(-olderThan)
	units, err := o.store.WorkUnits().ListPendingBefore(ctx, cutoff, DefaultReconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("metering.Orchestrator.Reconcile: %w", err)
	}

	var (
		reconciled int
		errs       []error
	)
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		outcome := domain.WorkOutcome{
			Status:      domain.WorkStatusFailed,
			ErrorReason: ReconcileReason,
			Refunded:    o.cfg.RefundPolicy.Refunds(errReconciled),
		}
		marker := &domain.AuditEvent{
			EventType: domain.EventWorkReconciled,
			AccountID: unit.AccountID,
			ActorID:   domain.SystemActor,
			TargetRef: WorkRef(unit.ID),
			Details: map[string]any{
				"pending_since": unit.CreatedAt,
				"cutoff":        cutoff,
			},
		}

		final, err := o.finalize(ctx, unit, outcome, marker)
		if err != nil {
			errs = append(errs, fmt.Errorf("work %s: %w", unit.ID, err))
			continue
		}
		if final.ErrorReason != ReconcileReason {
			// Execute finalized it between the listing and our write.
			continue
		}
		reconciled++
		log.Warn().
			Str("work_id", unit.ID.String()).
			Str("account_id", unit.AccountID.String()).
			Time("created_at", unit.CreatedAt).
			Msg("metering.Reconcile: failed stuck unit")
	}

	if err := errors.Join(errs...); err != nil {
		return reconciled, fmt.Errorf("metering.Orchestrator.Reconcile: %w", err)
	}
	return reconciled, nil
}
