// Copyright 2026 Digital Platformer
//
// Wallet Repository
// Custody records with sealed seed material

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// WalletRepo persists custody records. The issuer identity is virtual and
// never stored here.
type WalletRepo struct {
	db *sql.DB
}

// Create inserts a wallet row.
func (r *WalletRepo) Create(ctx context.Context, w *operation.Wallet) error {
	if w.ID == operation.IssuerIdentity {
		return operation.E(operation.KindInvalidArgument, "the identifier %q is reserved", operation.IssuerIdentity)
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO wallets (id, address, encrypted_seed, seed_nonce)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		w.ID, w.Address, w.EncryptedSeed, w.SeedNonce,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet %s: %w", w.ID, err)
	}
	return nil
}

// Get loads a wallet by id.
func (r *WalletRepo) Get(ctx context.Context, id string) (*operation.Wallet, error) {
	w := &operation.Wallet{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, address, encrypted_seed, seed_nonce, created_at, updated_at
		FROM wallets WHERE id = $1`, id,
	).Scan(&w.ID, &w.Address, &w.EncryptedSeed, &w.SeedNonce, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, operation.E(operation.KindNotFound, "wallet %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet %s: %w", id, err)
	}
	return w, nil
}

// UpdateSeed replaces the sealed seed material for an existing wallet.
func (r *WalletRepo) UpdateSeed(ctx context.Context, id string, encryptedSeed, nonce []byte) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE wallets SET encrypted_seed = $2, seed_nonce = $3, updated_at = now()
		WHERE id = $1`, id, encryptedSeed, nonce)
	if err != nil {
		return fmt.Errorf("update wallet seed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return operation.E(operation.KindNotFound, "wallet %s not found", id)
	}
	return nil
}
