// Copyright 2026 Digital Platformer
//
// Validation Poller
// Background sweep that finalizes in-flight submissions from validated ledger state

package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/metrics"
	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// =============================================================================
// POLLER CONFIGURATION
// =============================================================================

// Poller is the background sweep that reconciles in-flight steps with the
// ledger. It covers three gaps the inline wait leaves open: steps whose
// inline wait timed out, steps orphaned as SUBMITTED by a crash, and steps
// abandoned at shutdown. After promoting a step it settles the parent
// operation, resuming execution when later steps are still pending.
type Poller struct {
	ops     OperationStore
	steps   StepStore
	ledger  ledger.Client
	resume  func(operationID string)
	metrics *metrics.Metrics
	logger  *zap.Logger

	interval time.Duration
	batch    int

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// PollerConfig wires a Poller.
type PollerConfig struct {
	Operations OperationStore
	Steps      StepStore
	Ledger     ledger.Client
	// Resume re-spawns the executor for an operation whose next step is
	// ready to run. Optional; without it promoted operations with pending
	// steps wait for an idempotent replay to resume them.
	Resume  func(operationID string)
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	Interval time.Duration
	Batch    int
}

// NewPoller constructs a Poller. Call Start to begin sweeping.
func NewPoller(cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		ops:      cfg.Operations,
		steps:    cfg.Steps,
		ledger:   cfg.Ledger,
		resume:   cfg.Resume,
		metrics:  cfg.Metrics,
		logger:   logger,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// =============================================================================
// SWEEP LOOP
// =============================================================================

// Start launches the sweep loop.
func (p *Poller) Start() {
	go p.loop()
}

// Stop interrupts the sleep and waits for the current pass to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
}

func (p *Poller) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			p.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one reconciliation pass. Exported so tests and the serve loop
// can trigger passes deterministically.
func (p *Poller) Sweep(ctx context.Context) {
	if p.metrics != nil {
		p.metrics.PollerSweeps.Inc()
	}

	steps, err := p.steps.SweepAwaitingValidation(ctx, p.batch)
	if err != nil {
		p.logger.Error("poller sweep query failed", zap.Error(err))
		return
	}

	for _, step := range steps {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if err := p.reconcile(ctx, step); err != nil {
			p.logger.Warn("poller could not reconcile step",
				zap.String("step_id", step.ID),
				zap.String("operation_id", step.OperationID),
				zap.Error(err))
		}
	}
}

// reconcile re-queries one in-flight step and promotes it if the ledger has
// reached a verdict.
// =============================================================================
// RECONCILIATION
// =============================================================================

func (p *Poller) reconcile(ctx context.Context, step *operation.Step) error {
	if step.TxHash == nil {
		return fmt.Errorf("swept step %s has no tx hash", step.ID)
	}

	lookup, err := p.ledger.Lookup(ctx, *step.TxHash)
	if errors.Is(err, ledger.ErrNotYetValidated) {
		return p.steps.TouchLastChecked(ctx, step.ID)
	}
	if err != nil {
		// Transient adapter failure; the row stays in the sweep set.
		return err
	}
	if !lookup.Validated {
		return p.steps.TouchLastChecked(ctx, step.ID)
	}

	status := operation.StepValidatedFailed
	if ledger.Classify(lookup.TransactionResult) == ledger.ClassSuccess {
		status = operation.StepValidatedSuccess
	}

	if err := p.steps.Finalize(ctx, step.ID, status, lookup.Raw); err != nil {
		// Losing to the executor's inline finalize is benign.
		return err
	}
	if p.metrics != nil {
		p.metrics.PollerPromotions.WithLabelValues(string(status)).Inc()
		p.metrics.StepsFinalized.WithLabelValues(string(status), "poller").Inc()
	}
	p.logger.Info("poller promoted step",
		zap.String("operation_id", step.OperationID),
		zap.Int("step_no", step.StepNo),
		zap.String("status", string(status)),
		zap.String("result", lookup.TransactionResult))

	return p.settleOperation(ctx, step, status, lookup)
}

// settleOperation propagates a promoted step's verdict to its parent: a
// failure fails the operation; a success either completes the operation,
// resumes it when later steps are pending, or waits for the remaining
// in-flight steps.
func (p *Poller) settleOperation(ctx context.Context, step *operation.Step, status operation.StepStatus, lookup *ledger.LookupResult) error {
	op, err := p.ops.Get(ctx, step.OperationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}

	if status == operation.StepValidatedFailed {
		msg := fmt.Sprintf("step %d (%s): validated with %s", step.StepNo, step.Kind, lookup.TransactionResult)
		if err := p.ops.SetStatus(ctx, op.ID, operation.StatusFailed, "STEP_FAILED", msg); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.OperationsFinished.WithLabelValues(string(operation.StatusFailed)).Inc()
		}
		return nil
	}

	// Mint issuance discovery also falls to the poller when the inline wait
	// missed step 1's validation.
	if op.Kind == operation.KindMint && step.StepNo == 1 && op.IssuanceID == nil {
		issuanceID, err := extractIssuanceID(lookup)
		if err != nil {
			msg := fmt.Sprintf("step %d (%s): %v", step.StepNo, step.Kind, err)
			return p.ops.SetStatus(ctx, op.ID, operation.StatusFailed, "STEP_FAILED", msg)
		}
		if err := p.ops.SetIssuanceID(ctx, op.ID, issuanceID); err != nil {
			return err
		}
	}

	all, err := p.steps.ListByOperation(ctx, op.ID)
	if err != nil {
		return err
	}

	succeeded := 0
	pending := false
	for _, s := range all {
		switch s.Status {
		case operation.StepValidatedSuccess:
			succeeded++
		case operation.StepPending:
			pending = true
		}
	}

	if succeeded == len(all) {
		if err := p.ops.SetStatus(ctx, op.ID, operation.StatusSuccess, "", ""); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.OperationsFinished.WithLabelValues(string(operation.StatusSuccess)).Inc()
		}
		p.logger.Info("poller completed operation", zap.String("operation_id", op.ID))
		return nil
	}

	if pending && p.resume != nil {
		p.logger.Info("poller resuming operation",
			zap.String("operation_id", op.ID), zap.Int("after_step", step.StepNo))
		p.resume(op.ID)
	}
	return nil
}
