// Copyright 2026 Digital Platformer
//
// Settlement Ledger Contract
// Client interface, result classification and shared sentinels

// Package ledger is the single point of contact with the external
// settlement ledger. The orchestrator core depends only on the Client
// contract; the wire form of transactions and the connection lifecycle are
// this package's concern.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNotYetValidated is the benign "not yet in a ledger" signal from Lookup.
// Callers poll again; it is never a failure.
var ErrNotYetValidated = errors.New("transaction not yet in a validated ledger")

// ErrAccountNotFound is returned by Balance for addresses the ledger has
// never funded.
var ErrAccountNotFound = errors.New("account not found on ledger")

// ResultSuccess is the one transaction result code that means applied and
// succeeded.
const ResultSuccess = "tesSUCCESS"

// SubmitResult is the tentative acceptance record returned by Submit.
type SubmitResult struct {
	TxHash               string          `json:"txHash"`
	EngineResult         string          `json:"engineResult"`
	EngineResultMessage  string          `json:"engineResultMessage,omitempty"`
	ValidatedLedgerIndex int64           `json:"validatedLedgerIndex,omitempty"`
	Raw                  json.RawMessage `json:"raw,omitempty"`
}

// LookupResult is the outcome of querying a submitted transaction.
type LookupResult struct {
	Validated         bool            `json:"validated"`
	TransactionResult string          `json:"transactionResult"`
	Meta              json.RawMessage `json:"meta,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// Client is the adapter contract the orchestrator core submits through.
// Implementations must be safe for concurrent use; the process holds one.
type Client interface {
	// Prepare autofills fields the caller did not provide: fee, account
	// sequence, last-ledger-sequence.
	Prepare(ctx context.Context, tx Tx) error

	// Sign serializes and signs a prepared transaction with the given seed,
	// returning the submit blob and the canonical transaction hash.
	Sign(tx Tx, seed string) (blob string, txHash string, err error)

	// Submit pushes a signed blob to the ledger.
	Submit(ctx context.Context, blob string) (*SubmitResult, error)

	// Lookup queries a transaction by hash. ErrNotYetValidated means the
	// transaction has not reached a validated ledger; poll again.
	Lookup(ctx context.Context, txHash string) (*LookupResult, error)

	// Fund requests test-network faucet funding for an address.
	Fund(ctx context.Context, address string) error

	// Balance returns the address's balance, of the given issuance when
	// issuanceID is non-empty, otherwise of the native asset.
	Balance(ctx context.Context, address, issuanceID string) (decimal.Decimal, error)

	// Connect verifies ledger reachability. Implementations reconnect
	// transparently on later calls.
	Connect(ctx context.Context) error

	Close() error
}

// ResultClass buckets transaction result codes for the executor.
type ResultClass int

const (
	// ClassSuccess: applied to a validated ledger and succeeded.
	ClassSuccess ResultClass = iota
	// ClassPermanent: malformed (tem), failed (tef) or applied with an
	// error (tec). Never retried by the core.
	ClassPermanent
	// ClassTransient: retry-class codes (ter) and anything unrecognized;
	// retried by the validation wait and the poller.
	ClassTransient
)

// Classify maps a transaction result code to its retry class.
func Classify(code string) ResultClass {
	switch {
	case code == ResultSuccess:
		return ClassSuccess
	case strings.HasPrefix(code, "tem"), strings.HasPrefix(code, "tef"), strings.HasPrefix(code, "tec"):
		return ClassPermanent
	default:
		return ClassTransient
	}
}
