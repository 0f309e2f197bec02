// Copyright 2026 Digital Platformer
//
// Domain Model
// Operations, steps, statuses and legal transitions

// Operation and step data model for the lifecycle orchestrator.
//
// An Operation is one user-visible intent (mint, transfer, burn) against the
// settlement ledger. Each operation decomposes into a strictly ordered list
// of Steps, one ledger transaction each. Steps are mutated only by the step
// executor and the validation poller; operations and their steps are created
// atomically by the intent front-door.

package operation

import (
	"time"

	"github.com/shopspring/decimal"
)

// IssuerIdentity is the reserved identity id for the process-configured
// issuer. It never appears in the wallets table; the credential store and
// ledger wallet layers special-case it.
const IssuerIdentity = "issuer"

// Kind classifies an operation.
type Kind string

const (
	KindMint     Kind = "MINT"
	KindTransfer Kind = "TRANSFER"
	KindBurn     Kind = "BURN"
)

// Status is the lifecycle status of an operation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether an operation status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// StepStatus is the lifecycle status of a single step.
type StepStatus string

const (
	StepPending           StepStatus = "PENDING"
	StepSubmitted         StepStatus = "SUBMITTED"
	StepPendingValidation StepStatus = "PENDING_VALIDATION"
	StepValidatedSuccess  StepStatus = "VALIDATED_SUCCESS"
	StepValidatedFailed   StepStatus = "VALIDATED_FAILED"

	// StepTimeout is retained for wire and schema compatibility. The
	// executor leaves timed-out steps in PENDING_VALIDATION for the poller
	// to finalize; nothing transitions into this value.
	StepTimeout StepStatus = "TIMEOUT"
)

// Terminal reports whether a step status admits no further transition.
func (s StepStatus) Terminal() bool {
	return s == StepValidatedSuccess || s == StepValidatedFailed || s == StepTimeout
}

// stepRank orders step statuses along the legal state machine. Transitions
// may only increase rank; terminal statuses share the top rank so that no
// terminal status can replace another.
var stepRank = map[StepStatus]int{
	StepPending:           0,
	StepSubmitted:         1,
	StepPendingValidation: 2,
	StepValidatedSuccess:  3,
	StepValidatedFailed:   3,
	StepTimeout:           3,
}

// CanTransition reports whether a step may legally move from one status to
// another. Steps never regress and never leave a terminal status.
func CanTransition(from, to StepStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	return stepRank[to] > stepRank[from]
}

// StepKind tags the role a step plays within its operation.
type StepKind string

const (
	StepIssuerMint        StepKind = "issuer_mint"
	StepUserAuthorize     StepKind = "user_authorize"
	StepIssuerTransfer    StepKind = "issuer_transfer"
	StepReceiverAuthorize StepKind = "receiver_authorize"
	StepSenderTransfer    StepKind = "sender_transfer"
	StepIssuerClawback    StepKind = "issuer_clawback"
)

// Operation is one logical intent with durable state.
type Operation struct {
	ID             string          `json:"operationId"`
	Kind           Kind            `json:"kind"`
	IdempotencyKey string          `json:"idempotencyKey"`
	IssuanceID     *string         `json:"issuanceId,omitempty"`
	SourceID       *string         `json:"sourceWalletId,omitempty"`
	DestinationID  *string         `json:"destinationWalletId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Metadata       *string         `json:"metadata,omitempty"`
	Status         Status          `json:"status"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Step is one ledger transaction within an operation.
type Step struct {
	ID              string     `json:"stepId"`
	OperationID     string     `json:"operationId"`
	StepNo          int        `json:"stepNo"`
	Kind            StepKind   `json:"kind"`
	SignerID        *string    `json:"signerWalletId,omitempty"`
	TxType          string     `json:"txType"`
	TxHash          *string    `json:"txHash,omitempty"`
	SubmitResult    []byte     `json:"-"`
	ValidatedResult []byte     `json:"-"`
	Status          StepStatus `json:"status"`
	LastCheckedAt   *time.Time `json:"lastCheckedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Signer resolves the identity id that signs this step. A nil SignerID means
// the step is performed by the issuer.
func (s *Step) Signer() string {
	if s.SignerID == nil || *s.SignerID == "" {
		return IssuerIdentity
	}
	return *s.SignerID
}

// Wallet is a custody record for a user identity. Seed material appears only
// in sealed form; the plaintext never leaves the credential store.
type Wallet struct {
	ID            string    `json:"walletId"`
	Address       string    `json:"address"`
	EncryptedSeed []byte    `json:"-"`
	SeedNonce     []byte    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
