// Copyright 2026 Digital Platformer
//
// PostgreSQL Access
// Connection pool and repository construction

// Package database holds the PostgreSQL store: connection pool, forward-only
// numbered migrations, and the repositories for wallets, operations and
// operation steps. All writes that must be atomic fit in one statement or
// one transaction; the unique constraint on operations.idempotency_key is
// the only cross-request coordination point.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DB wraps the shared pool and the repositories built on it.
type DB struct {
	conn   *sql.DB
	logger *zap.Logger

	Wallets    *WalletRepo
	Operations *OperationRepo
	Steps      *StepRepo
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string, logger *zap.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{conn: conn, logger: logger}
	db.Wallets = &WalletRepo{db: conn}
	db.Operations = &OperationRepo{db: conn}
	db.Steps = &StepRepo{db: conn}
	return db, nil
}

// Conn exposes the raw pool for the migration runner.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close releases the pool.
func (d *DB) Close() error { return d.conn.Close() }
