// Package metering runs paid units of external work as a saga: charge and
// register atomically, perform the work outside any transaction, then
// finalize atomically. Every unit reaches exactly one terminal state.
package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/audit"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/ledger"
	redisstore "github.com/gosuda/meterchain/internal/store/redis"
)

const (
	DefaultWorkTimeout     = 30 * time.Second
	DefaultFinalizeTimeout = 5 * time.Second
	DefaultFinalizeRetries = 3

	maxRequestIDLen = 128
	finalizeBackoff = 50 * time.Millisecond
)

// PubSubPublisher abstracts the Redis pub/sub publish operation.
type PubSubPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Config struct {
	// WorkTimeout bounds one Perform call. A shorter caller deadline wins.
	WorkTimeout     time.Duration
	RefundPolicy    RefundPolicy
	FinalizeTimeout time.Duration
	FinalizeRetries int
	Now             func() time.Time
}

// SettleWindow is the longest a unit can stay Pending while its Execute is
// still running: the work timeout plus every finalize attempt and the
// backoff between them. Reconciling earlier can fail a unit whose finalize
// is still in flight.
func (c Config) SettleWindow() time.Duration {
	c.setDefaults()
	retries := time.Duration(c.FinalizeRetries)
	backoff := finalizeBackoff * retries * (retries - 1) / 2
	return c.WorkTimeout + retries*c.FinalizeTimeout + backoff
}

func (c *Config) setDefaults() {
	if c.WorkTimeout <= 0 {
		c.WorkTimeout = DefaultWorkTimeout
	}
	if c.RefundPolicy == "" {
		c.RefundPolicy = RefundNone
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if c.FinalizeRetries <= 0 {
		c.FinalizeRetries = DefaultFinalizeRetries
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

type BeginRequest struct {
	AccountID uuid.UUID
	ActorID   uuid.UUID
	Kind      string
	Cost      int64
	// RequestID is the caller's idempotency token, unique per account.
	RequestID string
}

type RunRequest struct {
	BeginRequest
	Payload []byte
}

// Orchestrator coordinates the work unit lifecycle:
// charge -> external work -> finalize.
type Orchestrator struct {
	store    domain.Store
	ledger   *ledger.Ledger
	audit    *audit.Log
	registry *Registry
	pubsub   PubSubPublisher
	cfg      Config
}

// New creates an Orchestrator. pubsub may be nil.
func New(store domain.Store, l *ledger.Ledger, auditLog *audit.Log, registry *Registry, pubsub PubSubPublisher, cfg Config) *Orchestrator {
	cfg.setDefaults()
	if registry == nil {
		registry = NewRegistry()
	}
	return &Orchestrator{
		store:    store,
		ledger:   l,
		audit:    auditLog,
		registry: registry,
		pubsub:   pubsub,
		cfg:      cfg,
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

func (o *Orchestrator) RefundPolicy() RefundPolicy {
	return o.cfg.RefundPolicy
}

// SettleWindow reports the minimum age Reconcile accepts.
func (o *Orchestrator) SettleWindow() time.Duration {
	return o.cfg.SettleWindow()
}

// Begin reserves req.Cost, creates a Pending work unit and records the
// charge, all in one transaction. A repeated RequestID returns the unit
// created the first time without charging again.
func (o *Orchestrator) Begin(ctx context.Context, req BeginRequest) (*domain.WorkUnit, error) {
	unit, _, err := o.begin(ctx, req)
	return unit, err
}

func (o *Orchestrator) begin(ctx context.Context, req BeginRequest) (*domain.WorkUnit, bool, error) {
	if err := validateBegin(req); err != nil {
		return nil, false, fmt.Errorf("metering.Orchestrator.Begin: %w", err)
	}

	if req.RequestID != "" {
		existing, err := o.store.WorkUnits().GetByRequestID(ctx, req.AccountID, req.RequestID)
		switch {
		case err == nil:
			return o.replay(existing, req)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, false, fmt.Errorf("metering.Orchestrator.Begin: idempotency lookup: %w", err)
		}
	}

	now := o.cfg.Now()
	unit := &domain.WorkUnit{
		ID:        uuid.New(),
		AccountID: req.AccountID,
		ActorID:   req.ActorID,
		Kind:      req.Kind,
		Cost:      req.Cost,
		Status:    domain.WorkStatusPending,
		RequestID: req.RequestID,
		CreatedAt: now,
	}
	var event *domain.AuditEvent

	err := o.store.InTx(ctx, func(tx domain.Repositories) error {
		change, err := o.ledger.ReserveIn(ctx, tx, req.AccountID, req.Cost)
		if err != nil {
			return err
		}
		if err := tx.WorkUnits().Create(ctx, unit); err != nil {
			return err
		}
		event = &domain.AuditEvent{
			EventType:   domain.EventCharged,
			AccountID:   req.AccountID,
			ActorID:     req.ActorID,
			TargetRef:   WorkRef(unit.ID),
			BeforeState: map[string]any{"balance": change.Before},
			AfterState:  map[string]any{"balance": change.After},
			Details: map[string]any{
				"cost":       req.Cost,
				"kind":       req.Kind,
				"request_id": req.RequestID,
			},
		}
		return o.audit.RecordIn(ctx, tx, event)
	})
	if errors.Is(err, domain.ErrDuplicate) && req.RequestID != "" {
		// Lost a race with a concurrent begin for the same request id.
		existing, getErr := o.store.WorkUnits().GetByRequestID(ctx, req.AccountID, req.RequestID)
		if getErr != nil {
			return nil, false, fmt.Errorf("metering.Orchestrator.Begin: idempotency lookup: %w", getErr)
		}
		return o.replay(existing, req)
	}
	if err != nil {
		return nil, false, fmt.Errorf("metering.Orchestrator.Begin: %w", err)
	}

	o.audit.Announce(ctx, event)
	o.publish(ctx, unit)

	log.Info().
		Str("work_id", unit.ID.String()).
		Str("account_id", unit.AccountID.String()).
		Str("kind", unit.Kind).
		Int64("cost", unit.Cost).
		Msg("metering.Begin: charged")

	return unit, false, nil
}

// replay returns the unit previously created for the same request id. A
// request id reused for different work is a conflict, not a replay.
func (o *Orchestrator) replay(existing *domain.WorkUnit, req BeginRequest) (*domain.WorkUnit, bool, error) {
	if existing.Cost != req.Cost || existing.Kind != req.Kind {
		return nil, false, fmt.Errorf("metering.Orchestrator.Begin: request id %q reused with different parameters: %w",
			req.RequestID, domain.ErrConflict)
	}
	return existing, true, nil
}

func validateBegin(req BeginRequest) error {
	if req.AccountID == uuid.Nil {
		return fmt.Errorf("account id required: %w", domain.ErrInvalidInput)
	}
	if req.Cost <= 0 {
		return fmt.Errorf("cost must be positive: %w", domain.ErrInvalidInput)
	}
	if len(req.RequestID) > maxRequestIDLen {
		return fmt.Errorf("request id longer than %d: %w", maxRequestIDLen, domain.ErrInvalidInput)
	}
	return nil
}

// Execute performs work for a Pending unit outside any transaction and then
// finalizes it. The returned unit is in its terminal state whenever
// finalization succeeded. A work failure, including a timeout, is returned
// wrapped in domain.ErrExternalWork.
func (o *Orchestrator) Execute(ctx context.Context, unit *domain.WorkUnit, work Work, payload []byte) (*domain.WorkUnit, error) {
	if unit.Status != domain.WorkStatusPending {
		return unit, fmt.Errorf("metering.Orchestrator.Execute: unit is %s: %w", unit.Status, domain.ErrInvalidTransition)
	}

	workCtx, cancel := context.WithTimeout(ctx, o.cfg.WorkTimeout)
	ref, workErr := perform(workCtx, work, *unit, payload)
	cancel()

	outcome := domain.WorkOutcome{Status: domain.WorkStatusCompleted, ResultRef: ref}
	if workErr != nil {
		outcome = domain.WorkOutcome{
			Status:      domain.WorkStatusFailed,
			ErrorReason: workErr.Error(),
			Refunded:    o.cfg.RefundPolicy.Refunds(workErr),
		}
		log.Warn().Err(workErr).Str("work_id", unit.ID.String()).Msg("metering.Execute: work failed")
	}

	final, err := o.finalize(ctx, unit, outcome, nil)
	if err != nil {
		return unit, fmt.Errorf("metering.Orchestrator.Execute: finalize: %w", err)
	}
	if final.Status != outcome.Status {
		return final, fmt.Errorf("metering.Orchestrator.Execute: unit already %s: %w", final.Status, domain.ErrConflict)
	}
	if workErr != nil {
		return final, fmt.Errorf("metering.Orchestrator.Execute: %w: %w", domain.ErrExternalWork, workErr)
	}
	return final, nil
}

// perform runs work and returns as soon as it finishes or ctx ends,
// whichever comes first. A collaborator that ignores ctx is abandoned.
func perform(ctx context.Context, work Work, unit domain.WorkUnit, payload []byte) (string, error) {
	type result struct {
		ref string
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("work panicked: %v", r)}
			}
		}()
		ref, err := work.Perform(ctx, unit, payload)
		done <- result{ref: ref, err: err}
	}()

	select {
	case r := <-done:
		return r.ref, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("work timed out: %w", ctx.Err())
		}
		return "", fmt.Errorf("work canceled: %w", ctx.Err())
	}
}

// finalize moves unit to outcome in one transaction, with refund and audit
// events. It ignores caller cancellation and retries a bounded number of
// times. If the unit was already terminal, the stored unit is returned.
func (o *Orchestrator) finalize(ctx context.Context, unit *domain.WorkUnit, outcome domain.WorkOutcome, extra *domain.AuditEvent) (*domain.WorkUnit, error) {
	ctx = context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= o.cfg.FinalizeRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * finalizeBackoff)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.FinalizeTimeout)
		outcome.At = o.cfg.Now()
		events, err := o.finalizeOnce(attemptCtx, unit, outcome, extra)
		cancel()

		if err == nil {
			final := *unit
			outcome.Apply(&final)
			o.audit.Announce(ctx, events...)
			o.publish(ctx, &final)
			return &final, nil
		}
		if errors.Is(err, domain.ErrInvalidTransition) {
			current, getErr := o.store.WorkUnits().GetByID(ctx, unit.AccountID, unit.ID)
			if getErr != nil {
				return nil, fmt.Errorf("reload terminal unit: %w", getErr)
			}
			return current, nil
		}

		lastErr = err
		log.Warn().Err(err).
			Str("work_id", unit.ID.String()).
			Int("attempt", attempt).
			Msg("metering.finalize: attempt failed")
	}

	log.Error().Err(lastErr).
		Str("work_id", unit.ID.String()).
		Str("status", string(outcome.Status)).
		Msg("metering.finalize: giving up, left for reconciliation")
	return nil, lastErr
}

func (o *Orchestrator) finalizeOnce(ctx context.Context, unit *domain.WorkUnit, outcome domain.WorkOutcome, extra *domain.AuditEvent) ([]*domain.AuditEvent, error) {
	var events []*domain.AuditEvent

	err := o.store.InTx(ctx, func(tx domain.Repositories) error {
		events = events[:0]
		if err := tx.WorkUnits().Finalize(ctx, unit.ID, outcome); err != nil {
			return err
		}

		if extra != nil {
			e := *extra
			events = append(events, &e)
		}
		events = append(events, transitionEvent(unit, outcome))

		if outcome.Refunded {
			change, err := o.ledger.CreditIn(ctx, tx, unit.AccountID, unit.Cost)
			if err != nil {
				return fmt.Errorf("refund: %w", err)
			}
			events = append(events, &domain.AuditEvent{
				EventType:   domain.EventRefunded,
				AccountID:   unit.AccountID,
				ActorID:     domain.SystemActor,
				TargetRef:   WorkRef(unit.ID),
				BeforeState: map[string]any{"balance": change.Before},
				AfterState:  map[string]any{"balance": change.After},
				Details: map[string]any{
					"amount": unit.Cost,
					"policy": string(o.cfg.RefundPolicy),
				},
			})
		}

		for _, e := range events {
			if err := o.audit.RecordIn(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func transitionEvent(unit *domain.WorkUnit, outcome domain.WorkOutcome) *domain.AuditEvent {
	e := &domain.AuditEvent{
		AccountID:   unit.AccountID,
		ActorID:     unit.ActorID,
		TargetRef:   WorkRef(unit.ID),
		BeforeState: map[string]any{"status": string(domain.WorkStatusPending)},
		AfterState:  map[string]any{"status": string(outcome.Status)},
	}
	if outcome.Status == domain.WorkStatusCompleted {
		e.EventType = domain.EventWorkCompleted
		e.Details = map[string]any{"result_ref": outcome.ResultRef}
		return e
	}
	e.EventType = domain.EventWorkFailed
	e.Details = map[string]any{
		"reason":   outcome.ErrorReason,
		"refunded": outcome.Refunded,
	}
	return e
}

// Run begins and executes one unit. When work is nil the registered kind
// supplies both the work and, if req.Cost is zero, the price. A replayed
// request id returns the earlier outcome instead of running again.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, work Work) (*domain.WorkUnit, error) {
	if work == nil {
		kind, err := o.registry.Lookup(req.Kind)
		if err != nil {
			return nil, fmt.Errorf("metering.Orchestrator.Run: %w", err)
		}
		work = kind.Work
		if req.Cost == 0 {
			req.Cost = kind.Cost
		}
	}

	unit, replayed, err := o.begin(ctx, req.BeginRequest)
	if err != nil {
		return nil, err
	}
	if replayed {
		switch unit.Status {
		case domain.WorkStatusPending:
			return unit, fmt.Errorf("metering.Orchestrator.Run: request %q still in progress: %w", req.RequestID, domain.ErrConflict)
		case domain.WorkStatusFailed:
			return unit, fmt.Errorf("metering.Orchestrator.Run: %w: %s", domain.ErrExternalWork, unit.ErrorReason)
		}
		return unit, nil
	}

	return o.Execute(ctx, unit, work, req.Payload)
}

// Get returns a unit owned by accountID.
func (o *Orchestrator) Get(ctx context.Context, accountID, workID uuid.UUID) (*domain.WorkUnit, error) {
	unit, err := o.store.WorkUnits().GetByID(ctx, accountID, workID)
	if err != nil {
		return nil, fmt.Errorf("metering.Orchestrator.Get: %w", err)
	}
	return unit, nil
}

func (o *Orchestrator) publish(ctx context.Context, unit *domain.WorkUnit) {
	if o.pubsub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type": "work_updated",
		"work": unit,
	})
	if err != nil {
		log.Error().Err(err).Str("work_id", unit.ID.String()).Msg("metering.publish: marshal")
		return
	}
	if err := o.pubsub.Publish(ctx, redisstore.WorkChannel(unit.AccountID), payload); err != nil {
		log.Warn().Err(err).Str("work_id", unit.ID.String()).Msg("metering.publish: failed")
	}
}

// WorkRef is the audit target reference of a work unit.
func WorkRef(id uuid.UUID) string {
	return "work/" + id.String()
}
