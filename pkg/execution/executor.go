// Copyright 2026 Digital Platformer
//
// Step Executor
// Drives an operation's ledger transactions in order with submit-then-wait semantics

// Package execution is the orchestrator core: the step executor that drives
// an operation's ledger transactions in order, the validation poller that
// rescues in-flight submissions, and the intent front-door that materializes
// operations durably before execution begins.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/database"
	"github.com/digitalplatformer/green-power-ledger/pkg/keymutex"
	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/metrics"
	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// =============================================================================
// STORE AND ADAPTER CONTRACTS
// =============================================================================

// OperationStore is the slice of the durable store the core mutates
// operations through.
type OperationStore interface {
	Get(ctx context.Context, id string) (*operation.Operation, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*operation.Operation, error)
	CreateWithSteps(ctx context.Context, op *operation.Operation, steps []*operation.Step) error
	SetStatus(ctx context.Context, id string, status operation.Status, errCode, errMsg string) error
	SetIssuanceID(ctx context.Context, id, issuanceID string) error
}

// StepStore is the slice of the durable store the core mutates steps
// through. Guarded transitions return a stale-transition error when the row
// already moved on; callers treat that as losing a benign race.
type StepStore interface {
	ListByOperation(ctx context.Context, operationID string) ([]*operation.Step, error)
	MarkSubmitted(ctx context.Context, id, txHash string, submitResult []byte) error
	MarkAwaitingValidation(ctx context.Context, id string) error
	Finalize(ctx context.Context, id string, status operation.StepStatus, validatedResult []byte) error
	TouchLastChecked(ctx context.Context, id string) error
	SweepAwaitingValidation(ctx context.Context, limit int) ([]*operation.Step, error)
}

// WalletReader resolves custody records for user identities.
type WalletReader interface {
	Get(ctx context.Context, id string) (*operation.Wallet, error)
}

// SeedSource yields plaintext signing material. The issuer identity is
// answered from process configuration.
type SeedSource interface {
	FetchSeed(ctx context.Context, identityID string) (string, error)
}

// =============================================================================
// EXECUTOR CONFIGURATION
// =============================================================================

// Executor drives operations to a terminal status, one ledger transaction
// per step, strictly in step order.
type Executor struct {
	ops     OperationStore
	steps   StepStore
	wallets WalletReader
	seeds   SeedSource
	ledger  ledger.Client
	locks   *keymutex.KeyMutex
	metrics *metrics.Metrics
	logger  *zap.Logger

	pollInterval      time.Duration
	validationTimeout time.Duration

	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Operations OperationStore
	Steps      StepStore
	Wallets    WalletReader
	Seeds      SeedSource
	Ledger     ledger.Client
	Locks      *keymutex.KeyMutex
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// PollInterval is the lookup cadence of the inline validation wait.
	PollInterval time.Duration
	// ValidationTimeout bounds the inline wait per step.
	ValidationTimeout time.Duration
}

// NewExecutor constructs an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	timeout := cfg.ValidationTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		ops:               cfg.Operations,
		steps:             cfg.Steps,
		wallets:           cfg.Wallets,
		seeds:             cfg.Seeds,
		ledger:            cfg.Ledger,
		locks:             cfg.Locks,
		metrics:           cfg.Metrics,
		logger:            logger,
		pollInterval:      pollInterval,
		validationTimeout: timeout,
		running:           make(map[string]bool),
	}
}

// Spawn runs the executor for an operation in the background. Request
// cancellation never reaches the spawned run: once an intent is accepted the
// orchestrator owns it.
func (e *Executor) Spawn(operationID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Execute(context.Background(), operationID); err != nil {
			e.logger.Error("operation execution failed",
				zap.String("operation_id", operationID), zap.Error(err))
		}
	}()
}

// Drain blocks until every spawned run finishes or the timeout elapses.
// Runs still in flight at the deadline are abandoned to the poller.
func (e *Executor) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// =============================================================================
// EXECUTION LOOP
// =============================================================================

// Execute drives one operation. Steps already VALIDATED_SUCCESS are skipped
// and steps that already carry a transaction hash are waited on rather than
// re-submitted, which makes Execute the resume point after a restart or a
// poller hand-back. An inline validation timeout halts the run with the
// operation still IN_PROGRESS; the poller finalizes the step and resumes the
// operation. At most one run per operation is active in this process.
func (e *Executor) Execute(ctx context.Context, operationID string) error {
	e.mu.Lock()
	if e.running[operationID] {
		e.mu.Unlock()
		return nil
	}
	e.running[operationID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, operationID)
		e.mu.Unlock()
	}()

	op, err := e.ops.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}

	if err := e.ops.SetStatus(ctx, op.ID, operation.StatusInProgress, "", ""); err != nil {
		return err
	}

	steps, err := e.steps.ListByOperation(ctx, op.ID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.Status == operation.StepValidatedSuccess {
			continue
		}
		if step.Status == operation.StepValidatedFailed {
			return e.failOperation(ctx, op, step, "step already failed")
		}

		outcome, err := e.runStep(ctx, op, step)
		if err != nil {
			if permanentKind(err) {
				// The submission could not even be built: missing seed,
				// missing wallet, malformed state. Nothing reached the
				// ledger, so the step fails directly instead of stranding
				// the operation with a PENDING step nothing reconciles.
				if ferr := e.finalizeStep(ctx, step.ID, operation.StepValidatedFailed, nil, "executor"); ferr != nil {
					return ferr
				}
				return e.failOperation(ctx, op, step, err.Error())
			}
			// Infrastructural failure (store unreachable). Halt without
			// forcing a terminal status the durable state does not support;
			// a replayed intent or the next boot retries from durable state.
			return fmt.Errorf("operation %s step %d: %w", op.ID, step.StepNo, err)
		}

		switch outcome.status {
		case operation.StepValidatedSuccess:
			if op.Kind == operation.KindMint && step.StepNo == 1 && op.IssuanceID == nil {
				if err := e.discoverIssuance(ctx, op, step, outcome.lookup); err != nil {
					return e.failOperation(ctx, op, step, err.Error())
				}
			}
		case operation.StepValidatedFailed:
			return e.failOperation(ctx, op, step, outcome.reason)
		case operation.StepPendingValidation:
			// Inline wait expired. The operation stays IN_PROGRESS; the
			// poller owns the step from here.
			if e.metrics != nil {
				e.metrics.InlineTimeouts.Inc()
			}
			e.logger.Warn("inline validation wait expired, handing step to poller",
				zap.String("operation_id", op.ID), zap.Int("step_no", step.StepNo))
			return nil
		}
	}

	if err := e.ops.SetStatus(ctx, op.ID, operation.StatusSuccess, "", ""); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.OperationsFinished.WithLabelValues(string(operation.StatusSuccess)).Inc()
	}
	e.logger.Info("operation succeeded", zap.String("operation_id", op.ID), zap.String("kind", string(op.Kind)))
	return nil
}

// =============================================================================
// STEP ROUTINE
// =============================================================================

// stepOutcome is what one step routine hands back to the executor loop.
type stepOutcome struct {
	status operation.StepStatus
	reason string
	lookup *ledger.LookupResult
}

// runStep performs submit-then-wait for one step: resolve seed, build the
// payload, submit under the signer's lock, then wait for validation with the
// lock released.
func (e *Executor) runStep(ctx context.Context, op *operation.Operation, step *operation.Step) (*stepOutcome, error) {
	// A step that already carries a hash was submitted by an earlier run.
	// Submitting again would burn the signer's sequence on a duplicate;
	// wait on the recorded transaction instead.
	if step.TxHash != nil && *step.TxHash != "" {
		if step.Status == operation.StepSubmitted {
			if err := e.steps.MarkAwaitingValidation(ctx, step.ID); err != nil && !errors.Is(err, database.ErrStaleTransition) {
				return nil, err
			}
		}
		return e.awaitStep(ctx, step, *step.TxHash)
	}

	signer := step.Signer()

	seed, err := e.seeds.FetchSeed(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("fetch seed for %s: %w", signer, err)
	}

	tx, err := e.buildTx(ctx, op, step, seed)
	if err != nil {
		return nil, err
	}

	var txHash string
	submitErr := e.locks.WithLock(ctx, signer, func() error {
		if err := e.ledger.Prepare(ctx, tx); err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		blob, localHash, err := e.ledger.Sign(tx, seed)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		res, err := e.ledger.Submit(ctx, blob)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		// Some gateways omit the hash from the submit envelope; the
		// canonical hash computed at signing identifies the transaction
		// either way.
		txHash = res.TxHash
		if txHash == "" {
			txHash = localHash
		}

		if err := e.steps.MarkSubmitted(ctx, step.ID, txHash, res.Raw); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.StepsSubmitted.Inc()
		}
		e.logger.Info("step submitted",
			zap.String("operation_id", op.ID),
			zap.Int("step_no", step.StepNo),
			zap.String("signer", signer),
			zap.String("tx_hash", txHash),
			zap.String("engine_result", res.EngineResult))
		return nil
	})
	if submitErr != nil {
		if errors.Is(submitErr, database.ErrStaleTransition) {
			// The row moved under us: a concurrent run or the poller owns
			// this step, and the transaction may well be live. Never
			// finalize off a lost race; the owner finishes the step.
			return &stepOutcome{status: operation.StepPendingValidation}, nil
		}
		// Submission never reached the ledger durably; the step carries no
		// hash and nothing for the poller to reconcile. Terminal failure.
		reason := fmt.Sprintf("submission failed: %v", submitErr)
		if err := e.finalizeStep(ctx, step.ID, operation.StepValidatedFailed, nil, "executor"); err != nil {
			return nil, err
		}
		return &stepOutcome{status: operation.StepValidatedFailed, reason: reason}, nil
	}

	if err := e.steps.MarkAwaitingValidation(ctx, step.ID); err != nil && !errors.Is(err, database.ErrStaleTransition) {
		return nil, err
	}

	return e.awaitStep(ctx, step, txHash)
}

// awaitStep waits out the inline validation window for a submitted
// transaction and finalizes the step from the validated result.
func (e *Executor) awaitStep(ctx context.Context, step *operation.Step, txHash string) (*stepOutcome, error) {
	start := time.Now()
	lookup, waitErr := e.waitForValidation(ctx, txHash)
	if waitErr != nil {
		return &stepOutcome{status: operation.StepPendingValidation}, nil
	}

	status := operation.StepValidatedFailed
	if ledger.Classify(lookup.TransactionResult) == ledger.ClassSuccess {
		status = operation.StepValidatedSuccess
	}
	if err := e.finalizeStep(ctx, step.ID, status, lookup.Raw, "executor"); err != nil {
		// The poller may have finalized first; the ledger truth is the
		// same either way.
		if !errors.Is(err, database.ErrStaleTransition) {
			return nil, err
		}
	}
	if e.metrics != nil {
		e.metrics.ValidationWaitSecs.Observe(time.Since(start).Seconds())
	}

	reason := ""
	if status == operation.StepValidatedFailed {
		reason = fmt.Sprintf("validated with %s", lookup.TransactionResult)
	}
	return &stepOutcome{status: status, reason: reason, lookup: lookup}, nil
}

// permanentKind reports whether a step-routine failure can never succeed on
// retry.
func permanentKind(err error) bool {
	switch operation.KindOf(err) {
	case operation.KindNotFound, operation.KindInvalidArgument,
		operation.KindIntegrity, operation.KindConfiguration, operation.KindPermanent:
		return true
	}
	return false
}

// errInlineTimeout terminates the validation wait when the wait deadline passes.
var errInlineTimeout = errors.New("inline validation wait expired")

// waitForValidation polls lookup until the transaction validates or the
// inline deadline passes. Adapter errors other than the benign not-yet-found
// sentinel are logged and retried.
func (e *Executor) waitForValidation(ctx context.Context, txHash string) (*ledger.LookupResult, error) {
	deadline := time.Now().Add(e.validationTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		res, err := e.ledger.Lookup(ctx, txHash)
		switch {
		case err == nil && res.Validated:
			return res, nil
		case err != nil && !errors.Is(err, ledger.ErrNotYetValidated):
			e.logger.Warn("transient lookup failure during inline wait",
				zap.String("tx_hash", txHash), zap.Error(err))
		}

		if time.Now().After(deadline) {
			return nil, errInlineTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) finalizeStep(ctx context.Context, stepID string, status operation.StepStatus, validatedResult []byte, by string) error {
	if err := e.steps.Finalize(ctx, stepID, status, validatedResult); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.StepsFinalized.WithLabelValues(string(status), by).Inc()
	}
	return nil
}

func (e *Executor) failOperation(ctx context.Context, op *operation.Operation, step *operation.Step, reason string) error {
	msg := fmt.Sprintf("step %d (%s): %s", step.StepNo, step.Kind, reason)
	if err := e.ops.SetStatus(ctx, op.ID, operation.StatusFailed, "STEP_FAILED", msg); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.OperationsFinished.WithLabelValues(string(operation.StatusFailed)).Inc()
	}
	e.logger.Warn("operation failed",
		zap.String("operation_id", op.ID), zap.Int("step_no", step.StepNo), zap.String("reason", reason))
	return nil
}

// discoverIssuance extracts the ledger-assigned issuance identifier from
// step 1's validated metadata and persists it before step 2 runs.
func (e *Executor) discoverIssuance(ctx context.Context, op *operation.Operation, step *operation.Step, lookup *ledger.LookupResult) error {
	issuanceID, err := extractIssuanceID(lookup)
	if err != nil {
		return err
	}
	if err := e.ops.SetIssuanceID(ctx, op.ID, issuanceID); err != nil {
		return err
	}
	op.IssuanceID = &issuanceID
	e.logger.Info("issuance discovered",
		zap.String("operation_id", op.ID), zap.String("issuance_id", issuanceID))
	return nil
}

// extractIssuanceID pulls mpt_issuance_id out of validated metadata.
func extractIssuanceID(lookup *ledger.LookupResult) (string, error) {
	if lookup == nil || len(lookup.Meta) == 0 {
		return "", fmt.Errorf("validated result carries no metadata")
	}
	var meta struct {
		IssuanceID string `json:"mpt_issuance_id"`
	}
	if err := json.Unmarshal(lookup.Meta, &meta); err != nil {
		return "", fmt.Errorf("parse validated metadata: %w", err)
	}
	if meta.IssuanceID == "" {
		return "", fmt.Errorf("validated metadata carries no mpt_issuance_id")
	}
	return meta.IssuanceID, nil
}

// =============================================================================
// TRANSACTION BUILDING
// =============================================================================

// buildTx constructs the ledger payload for a step per its role.
func (e *Executor) buildTx(ctx context.Context, op *operation.Operation, step *operation.Step, signerSeed string) (ledger.Tx, error) {
	signerAddr, err := e.address(ctx, step.Signer(), signerSeed)
	if err != nil {
		return nil, err
	}

	switch step.Kind {
	case operation.StepIssuerMint:
		var metadata []byte
		if op.Metadata != nil {
			metadata = []byte(*op.Metadata)
		}
		return ledger.NewIssuanceCreate(signerAddr, op.Amount, metadata), nil

	case operation.StepUserAuthorize, operation.StepReceiverAuthorize:
		issuanceID, err := requireIssuance(op)
		if err != nil {
			return nil, err
		}
		return ledger.NewAuthorize(signerAddr, issuanceID), nil

	case operation.StepIssuerTransfer, operation.StepSenderTransfer:
		issuanceID, err := requireIssuance(op)
		if err != nil {
			return nil, err
		}
		destAddr, err := e.resolveAddress(ctx, op.DestinationID)
		if err != nil {
			return nil, err
		}
		return ledger.NewPayment(signerAddr, destAddr, issuanceID, op.Amount), nil

	case operation.StepIssuerClawback:
		issuanceID, err := requireIssuance(op)
		if err != nil {
			return nil, err
		}
		holderAddr, err := e.resolveAddress(ctx, op.DestinationID)
		if err != nil {
			return nil, err
		}
		return ledger.NewClawback(signerAddr, holderAddr, issuanceID, op.Amount), nil

	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func requireIssuance(op *operation.Operation) (string, error) {
	if op.IssuanceID == nil || *op.IssuanceID == "" {
		return "", fmt.Errorf("operation %s has no issuance id yet", op.ID)
	}
	return *op.IssuanceID, nil
}

// address resolves the ledger address of an identity. The signer's address
// is derived from the seed already in hand; other identities go through
// resolveAddress.
func (e *Executor) address(_ context.Context, identityID, seed string) (string, error) {
	w, err := ledger.DeriveWallet(seed)
	if err != nil {
		return "", fmt.Errorf("derive address for %s: %w", identityID, err)
	}
	return w.Address, nil
}

// resolveAddress resolves an identity id to its ledger address: the issuer
// from configuration, users from their custody record.
func (e *Executor) resolveAddress(ctx context.Context, identityID *string) (string, error) {
	if identityID == nil || *identityID == "" {
		return "", fmt.Errorf("identity id is not set")
	}
	if *identityID == operation.IssuerIdentity {
		seed, err := e.seeds.FetchSeed(ctx, operation.IssuerIdentity)
		if err != nil {
			return "", err
		}
		w, err := ledger.DeriveWallet(seed)
		if err != nil {
			return "", err
		}
		return w.Address, nil
	}
	w, err := e.wallets.Get(ctx, *identityID)
	if err != nil {
		return "", err
	}
	return w.Address, nil
}
