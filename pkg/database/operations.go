// Copyright 2026 Digital Platformer
//
// Operation Repository
// Durable operation rows with guarded status transitions

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// ErrDuplicateIdempotencyKey signals that the unique constraint on
// operations.idempotency_key rejected an insert. The front-door recovers by
// re-reading the winning row.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists")

const pqUniqueViolation = "23505"

// OperationRepo persists operations and their atomic creation with steps.
type OperationRepo struct {
	db *sql.DB
}

const operationColumns = `
	id, kind, idempotency_key, issuance_id, source_wallet_id,
	destination_wallet_id, amount::text, metadata, status, error_code,
	error_message, created_at, updated_at`

func scanOperation(row interface{ Scan(...any) error }) (*operation.Operation, error) {
	op := &operation.Operation{}
	var amount string
	err := row.Scan(
		&op.ID, &op.Kind, &op.IdempotencyKey, &op.IssuanceID, &op.SourceID,
		&op.DestinationID, &amount, &op.Metadata, &op.Status, &op.ErrorCode,
		&op.ErrorMessage, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	return op, nil
}

// CreateWithSteps inserts an operation and its ordered steps in one
// transaction. A duplicate idempotency key surfaces as
// ErrDuplicateIdempotencyKey with nothing inserted.
func (r *OperationRepo) CreateWithSteps(ctx context.Context, op *operation.Operation, steps []*operation.Step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create operation: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO operations
			(id, kind, idempotency_key, issuance_id, source_wallet_id,
			 destination_wallet_id, amount, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		op.ID, op.Kind, op.IdempotencyKey, op.IssuanceID, op.SourceID,
		op.DestinationID, op.Amount.String(), op.Metadata, op.Status,
	).Scan(&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert operation: %w", err)
	}

	for _, s := range steps {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO operation_steps
				(id, operation_id, step_no, kind, signer_wallet_id, tx_type, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at, updated_at`,
			s.ID, s.OperationID, s.StepNo, s.Kind, s.SignerID, s.TxType, s.Status,
		).Scan(&s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", s.StepNo, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create operation: %w", err)
	}
	return nil
}

// Get loads an operation by id.
func (r *OperationRepo) Get(ctx context.Context, id string) (*operation.Operation, error) {
	op, err := scanOperation(r.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, operation.E(operation.KindNotFound, "operation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", id, err)
	}
	return op, nil
}

// GetByIdempotencyKey loads the operation created under key, if any.
func (r *OperationRepo) GetByIdempotencyKey(ctx context.Context, key string) (*operation.Operation, error) {
	op, err := scanOperation(r.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, operation.E(operation.KindNotFound, "no operation for idempotency key")
	}
	if err != nil {
		return nil, fmt.Errorf("load operation by idempotency key: %w", err)
	}
	return op, nil
}

// SetStatus transitions an operation's status. Terminal operations are never
// modified; the guard lives in the statement so concurrent executor/poller
// writes cannot regress a terminal status.
func (r *OperationRepo) SetStatus(ctx context.Context, id string, status operation.Status, errCode, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE operations
		SET status = $2, error_code = $3, error_message = $4, updated_at = now()
		WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILED')`,
		id, status, errCode, errMsg)
	if err != nil {
		return fmt.Errorf("set operation %s status %s: %w", id, status, err)
	}
	return nil
}

// SetIssuanceID records the ledger-assigned issuance identifier discovered
// by the first mint step.
func (r *OperationRepo) SetIssuanceID(ctx context.Context, id, issuanceID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE operations SET issuance_id = $2, updated_at = now() WHERE id = $1`,
		id, issuanceID)
	if err != nil {
		return fmt.Errorf("set operation %s issuance id: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return operation.E(operation.KindNotFound, "operation %s not found", id)
	}
	return nil
}
