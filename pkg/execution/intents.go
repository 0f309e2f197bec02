// Copyright 2026 Digital Platformer
//
// Intent Front-Door
// Validates intents, plans steps and materializes operations durably

package execution

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/database"
	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/metrics"
	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// =============================================================================
// INTENT TYPES
// =============================================================================

// MintIntent mints a new token class and delivers the full amount to one
// user wallet. The issuance parameters retired from the public surface
// (asset scale, maximum amount, transfer fee, issuer wallet) are fixed
// internally.
type MintIntent struct {
	IdempotencyKey string
	UserWalletID   string
	Amount         string
	Metadata       string
}

// TransferIntent moves tokens of an existing issuance between user wallets.
type TransferIntent struct {
	IdempotencyKey string
	SourceWalletID string
	DestWalletID   string
	IssuanceID     string
	Amount         string
}

// BurnIntent claws tokens back from a holder to the issuer.
type BurnIntent struct {
	IdempotencyKey string
	IssuerWalletID string // accepted for wire compatibility; must be "issuer" when set
	HolderWalletID string
	IssuanceID     string
	Amount         string
}

// IntentResult is what the front-door hands the HTTP layer.
type IntentResult struct {
	Operation *operation.Operation
	Steps     []*operation.Step
	// Replayed is true when the idempotency index answered instead of a new
	// operation being created.
	Replayed bool
}

// =============================================================================
// FRONT-DOOR SERVICE
// =============================================================================

// Intents is the front-door: it validates intents, enforces idempotency,
// materializes operations with their steps atomically, and hands new
// operations to the executor.
type Intents struct {
	ops     OperationStore
	steps   StepStore
	wallets WalletReader
	exec    *Executor
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// IntentsConfig wires the front-door.
type IntentsConfig struct {
	Operations OperationStore
	Steps      StepStore
	Wallets    WalletReader
	Executor   *Executor
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// NewIntents constructs the front-door service.
func NewIntents(cfg IntentsConfig) *Intents {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intents{
		ops:     cfg.Operations,
		steps:   cfg.Steps,
		wallets: cfg.Wallets,
		exec:    cfg.Executor,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// =============================================================================
// INTENT OPERATIONS
// =============================================================================

// Mint accepts a mint intent: three steps, issuer-signed creation, holder
// authorization, issuer payment.
func (s *Intents) Mint(ctx context.Context, in MintIntent) (*IntentResult, error) {
	amount, err := s.validateCommon(ctx, in.IdempotencyKey, in.Amount, in.UserWalletID)
	if err != nil {
		return nil, err
	}

	issuer := operation.IssuerIdentity
	dest := in.UserWalletID
	op := &operation.Operation{
		ID:             uuid.NewString(),
		Kind:           operation.KindMint,
		IdempotencyKey: in.IdempotencyKey,
		SourceID:       &issuer,
		DestinationID:  &dest,
		Amount:         amount,
		Status:         operation.StatusPending,
	}
	if in.Metadata != "" {
		m := in.Metadata
		op.Metadata = &m
	}

	steps := []*operation.Step{
		newStep(op.ID, 1, operation.StepIssuerMint, nil, ledger.TxTypeIssuanceCreate),
		newStep(op.ID, 2, operation.StepUserAuthorize, &dest, ledger.TxTypeAuthorize),
		newStep(op.ID, 3, operation.StepIssuerTransfer, nil, ledger.TxTypePayment),
	}
	return s.create(ctx, op, steps)
}

// Transfer accepts a transfer intent: receiver authorization, then the
// sender's payment.
func (s *Intents) Transfer(ctx context.Context, in TransferIntent) (*IntentResult, error) {
	amount, err := s.validateCommon(ctx, in.IdempotencyKey, in.Amount, in.SourceWalletID, in.DestWalletID)
	if err != nil {
		return nil, err
	}
	if in.IssuanceID == "" {
		return nil, operation.E(operation.KindInvalidArgument, "issuanceId is required")
	}
	if in.SourceWalletID == in.DestWalletID {
		return nil, operation.E(operation.KindInvalidArgument, "source and destination wallets must differ")
	}

	src, dest, issuance := in.SourceWalletID, in.DestWalletID, in.IssuanceID
	op := &operation.Operation{
		ID:             uuid.NewString(),
		Kind:           operation.KindTransfer,
		IdempotencyKey: in.IdempotencyKey,
		IssuanceID:     &issuance,
		SourceID:       &src,
		DestinationID:  &dest,
		Amount:         amount,
		Status:         operation.StatusPending,
	}
	steps := []*operation.Step{
		newStep(op.ID, 1, operation.StepReceiverAuthorize, &dest, ledger.TxTypeAuthorize),
		newStep(op.ID, 2, operation.StepSenderTransfer, &src, ledger.TxTypePayment),
	}
	return s.create(ctx, op, steps)
}

// Burn accepts a burn intent: one issuer-signed clawback from the holder.
func (s *Intents) Burn(ctx context.Context, in BurnIntent) (*IntentResult, error) {
	amount, err := s.validateCommon(ctx, in.IdempotencyKey, in.Amount, in.HolderWalletID)
	if err != nil {
		return nil, err
	}
	if in.IssuanceID == "" {
		return nil, operation.E(operation.KindInvalidArgument, "issuanceId is required")
	}
	if in.IssuerWalletID != "" && in.IssuerWalletID != operation.IssuerIdentity {
		return nil, operation.E(operation.KindInvalidArgument,
			"issuerWalletId must be %q when supplied", operation.IssuerIdentity)
	}

	issuer := operation.IssuerIdentity
	holder, issuance := in.HolderWalletID, in.IssuanceID
	op := &operation.Operation{
		ID:             uuid.NewString(),
		Kind:           operation.KindBurn,
		IdempotencyKey: in.IdempotencyKey,
		IssuanceID:     &issuance,
		SourceID:       &issuer,
		DestinationID:  &holder,
		Amount:         amount,
		Status:         operation.StatusPending,
	}
	steps := []*operation.Step{
		newStep(op.ID, 1, operation.StepIssuerClawback, nil, ledger.TxTypeClawback),
	}
	return s.create(ctx, op, steps)
}

// Status loads an operation and, unless statusOnly, its steps.
func (s *Intents) Status(ctx context.Context, operationID string, statusOnly bool) (*operation.Operation, []*operation.Step, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return nil, nil, err
	}
	if statusOnly {
		return op, nil, nil
	}
	steps, err := s.steps.ListByOperation(ctx, operationID)
	if err != nil {
		return nil, nil, err
	}
	return op, steps, nil
}

// validateCommon checks the fields every intent shares and that each named
// user wallet exists.
// =============================================================================
// VALIDATION AND PERSISTENCE
// =============================================================================

func (s *Intents) validateCommon(ctx context.Context, key, amount string, walletIDs ...string) (decimal.Decimal, error) {
	if strings.TrimSpace(key) == "" {
		return decimal.Zero, operation.E(operation.KindInvalidArgument, "idempotencyKey is required")
	}
	if amount == "" {
		return decimal.Zero, operation.E(operation.KindInvalidArgument, "amount is required")
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, operation.E(operation.KindInvalidArgument, "amount %q is not a number", amount)
	}
	if !amt.IsPositive() {
		return decimal.Zero, operation.E(operation.KindInvalidArgument, "amount must be positive")
	}
	if !amt.IsInteger() {
		return decimal.Zero, operation.E(operation.KindInvalidArgument, "amount must be a whole number of units")
	}

	for _, id := range walletIDs {
		if id == "" {
			return decimal.Zero, operation.E(operation.KindInvalidArgument, "wallet id is required")
		}
		if id == operation.IssuerIdentity {
			return decimal.Zero, operation.E(operation.KindInvalidArgument,
				"the reserved identity %q cannot appear as a user wallet", operation.IssuerIdentity)
		}
		if _, err := s.wallets.Get(ctx, id); err != nil {
			return decimal.Zero, err
		}
	}
	return amt, nil
}

// create inserts the operation and its steps, resolving idempotency-key
// races by the insert-first-then-recover pattern: the losing insert becomes
// a read of the winning row.
func (s *Intents) create(ctx context.Context, op *operation.Operation, steps []*operation.Step) (*IntentResult, error) {
	err := s.ops.CreateWithSteps(ctx, op, steps)
	if errors.Is(err, database.ErrDuplicateIdempotencyKey) {
		existing, lookupErr := s.ops.GetByIdempotencyKey(ctx, op.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		existingSteps, lookupErr := s.steps.ListByOperation(ctx, existing.ID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if s.metrics != nil {
			s.metrics.IdempotentReplays.Inc()
		}
		s.logger.Info("idempotent replay",
			zap.String("operation_id", existing.ID),
			zap.String("kind", string(existing.Kind)))
		if !existing.Status.Terminal() {
			// The replay may be the retry of an operation a crash or an
			// abandoned inline wait left unfinished. Re-arm execution; a
			// run already active for the operation makes this a no-op.
			s.exec.Spawn(existing.ID)
		}
		return &IntentResult{Operation: existing, Steps: existingSteps, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.OperationsStarted.WithLabelValues(string(op.Kind)).Inc()
	}
	s.logger.Info("operation accepted",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("amount", op.Amount.String()))

	s.exec.Spawn(op.ID)
	return &IntentResult{Operation: op, Steps: steps}, nil
}

func newStep(operationID string, no int, kind operation.StepKind, signer *string, txType string) *operation.Step {
	return &operation.Step{
		ID:          uuid.NewString(),
		OperationID: operationID,
		StepNo:      no,
		Kind:        kind,
		SignerID:    signer,
		TxType:      txType,
		Status:      operation.StepPending,
	}
}
