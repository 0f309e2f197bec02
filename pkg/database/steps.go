// Copyright 2026 Digital Platformer
//
// Step Repository
// Durable step rows, monotonic transitions and the validation sweep

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// StepRepo persists operation steps. Status transitions are guarded in SQL:
// an update that would regress a step or touch a terminal one matches zero
// rows and is reported as a conflict, so the executor and the poller can
// race without corrupting the state machine.
type StepRepo struct {
	db *sql.DB
}

// ErrStaleTransition signals that a guarded step update matched no row: the
// step already moved past the expected status.
var ErrStaleTransition = errors.New("step already transitioned")

const stepColumns = `
	id, operation_id, step_no, kind, signer_wallet_id, tx_type, tx_hash,
	submit_result, validated_result, status, last_checked_at, created_at, updated_at`

func scanStep(row interface{ Scan(...any) error }) (*operation.Step, error) {
	s := &operation.Step{}
	err := row.Scan(
		&s.ID, &s.OperationID, &s.StepNo, &s.Kind, &s.SignerID, &s.TxType,
		&s.TxHash, &s.SubmitResult, &s.ValidatedResult, &s.Status,
		&s.LastCheckedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get loads a step by id.
func (r *StepRepo) Get(ctx context.Context, id string) (*operation.Step, error) {
	s, err := scanStep(r.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM operation_steps WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, operation.E(operation.KindNotFound, "step %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load step %s: %w", id, err)
	}
	return s, nil
}

// ListByOperation returns an operation's steps in ascending step order.
func (r *StepRepo) ListByOperation(ctx context.Context, operationID string) ([]*operation.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM operation_steps
		 WHERE operation_id = $1 ORDER BY step_no ASC`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", operationID, err)
	}
	defer rows.Close()

	var steps []*operation.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// MarkSubmitted records the transaction hash and acknowledgement for a step
// and moves it to SUBMITTED. Legal only from PENDING.
func (r *StepRepo) MarkSubmitted(ctx context.Context, id, txHash string, submitResult []byte) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE operation_steps
		SET status = 'SUBMITTED', tx_hash = $2, submit_result = $3, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`,
		id, txHash, nullableJSON(submitResult))
	if err != nil {
		return fmt.Errorf("mark step %s submitted: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark step %s submitted: %w", id, ErrStaleTransition)
	}
	return nil
}

// MarkAwaitingValidation moves a SUBMITTED step to PENDING_VALIDATION as the
// inline wait begins.
func (r *StepRepo) MarkAwaitingValidation(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE operation_steps
		SET status = 'PENDING_VALIDATION', updated_at = now()
		WHERE id = $1 AND status = 'SUBMITTED'`, id)
	if err != nil {
		return fmt.Errorf("mark step %s awaiting validation: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark step %s awaiting validation: %w", id, ErrStaleTransition)
	}
	return nil
}

// Finalize moves an in-flight step to a terminal validated status and stores
// the validated result for audit. Terminal steps never change again.
func (r *StepRepo) Finalize(ctx context.Context, id string, status operation.StepStatus, validatedResult []byte) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize step %s: %s is not terminal", id, status)
	}
	// PENDING is included so a submission that never reached the ledger can
	// fail its step directly.
	res, err := r.db.ExecContext(ctx, `
		UPDATE operation_steps
		SET status = $2, validated_result = $3, last_checked_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'SUBMITTED', 'PENDING_VALIDATION')`,
		id, status, nullableJSON(validatedResult))
	if err != nil {
		return fmt.Errorf("finalize step %s as %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize step %s as %s: %w", id, status, ErrStaleTransition)
	}
	return nil
}

// TouchLastChecked records a poller visit that observed no validation yet.
func (r *StepRepo) TouchLastChecked(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE operation_steps SET last_checked_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch step %s: %w", id, err)
	}
	return nil
}

// SweepAwaitingValidation returns up to limit in-flight steps for the
// poller, least-recently-checked first with never-checked rows winning.
// SUBMITTED rows with a hash are included so that steps orphaned by a crash
// between submit and the inline wait are still reconciled.
func (r *StepRepo) SweepAwaitingValidation(ctx context.Context, limit int) ([]*operation.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM operation_steps
		 WHERE status IN ('SUBMITTED', 'PENDING_VALIDATION') AND tx_hash IS NOT NULL
		 ORDER BY last_checked_at ASC NULLS FIRST
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("sweep steps awaiting validation: %w", err)
	}
	defer rows.Close()

	var steps []*operation.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swept step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// nullableJSON maps empty audit blobs to SQL NULL so JSONB columns never
// hold empty strings.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
