// Copyright 2026 Digital Platformer
//
// Execution Test Fakes
// In-memory stores and ledger client wrappers enforcing the SQL layer's guards

package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/digitalplatformer/green-power-ledger/pkg/database"
	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// memStore is an in-memory OperationStore + StepStore enforcing the same
// guards as the SQL repositories: unique idempotency keys, monotonic step
// transitions, terminal operations frozen.
type memStore struct {
	mu    sync.Mutex
	ops   map[string]*operation.Operation
	byKey map[string]string
	steps map[string]*operation.Step
}

func newMemStore() *memStore {
	return &memStore{
		ops:   make(map[string]*operation.Operation),
		byKey: make(map[string]string),
		steps: make(map[string]*operation.Step),
	}
}

func copyOp(op *operation.Operation) *operation.Operation {
	c := *op
	return &c
}

func copyStep(s *operation.Step) *operation.Step {
	c := *s
	return &c
}

func (m *memStore) Get(ctx context.Context, id string) (*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, operation.E(operation.KindNotFound, "operation %s not found", id)
	}
	return copyOp(op), nil
}

func (m *memStore) GetByIdempotencyKey(ctx context.Context, key string) (*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, operation.E(operation.KindNotFound, "no operation for idempotency key")
	}
	return copyOp(m.ops[id]), nil
}

func (m *memStore) CreateWithSteps(ctx context.Context, op *operation.Operation, steps []*operation.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byKey[op.IdempotencyKey]; dup {
		return database.ErrDuplicateIdempotencyKey
	}
	now := time.Now()
	op.CreatedAt, op.UpdatedAt = now, now
	m.ops[op.ID] = copyOp(op)
	m.byKey[op.IdempotencyKey] = op.ID
	for _, s := range steps {
		s.CreatedAt, s.UpdatedAt = now, now
		m.steps[s.ID] = copyStep(s)
	}
	return nil
}

func (m *memStore) SetStatus(ctx context.Context, id string, status operation.Status, errCode, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return operation.E(operation.KindNotFound, "operation %s not found", id)
	}
	if op.Status.Terminal() {
		return nil
	}
	op.Status, op.ErrorCode, op.ErrorMessage = status, errCode, errMsg
	op.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) SetIssuanceID(ctx context.Context, id, issuanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return operation.E(operation.KindNotFound, "operation %s not found", id)
	}
	op.IssuanceID = &issuanceID
	return nil
}

func (m *memStore) opCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// stepsBySigner lists every step a signer owns, across operations.
func (m *memStore) stepsBySigner(signer string) []*operation.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*operation.Step
	for _, s := range m.steps {
		if s.Signer() == signer {
			out = append(out, copyStep(s))
		}
	}
	return out
}

func (m *memStore) ListByOperation(ctx context.Context, operationID string) ([]*operation.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*operation.Step
	for _, s := range m.steps {
		if s.OperationID == operationID {
			out = append(out, copyStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNo < out[j].StepNo })
	return out, nil
}

func (m *memStore) MarkSubmitted(ctx context.Context, id, txHash string, submitResult []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status != operation.StepPending {
		return fmt.Errorf("mark step %s submitted: %w", id, database.ErrStaleTransition)
	}
	s.Status = operation.StepSubmitted
	s.TxHash = &txHash
	s.SubmitResult = submitResult
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) MarkAwaitingValidation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status != operation.StepSubmitted {
		return fmt.Errorf("mark step %s awaiting validation: %w", id, database.ErrStaleTransition)
	}
	s.Status = operation.StepPendingValidation
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) Finalize(ctx context.Context, id string, status operation.StepStatus, validatedResult []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok || s.Status.Terminal() {
		return fmt.Errorf("finalize step %s: %w", id, database.ErrStaleTransition)
	}
	s.Status = status
	s.ValidatedResult = validatedResult
	now := time.Now()
	s.LastCheckedAt = &now
	s.UpdatedAt = now
	return nil
}

func (m *memStore) TouchLastChecked(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.steps[id]; ok {
		now := time.Now()
		s.LastCheckedAt = &now
	}
	return nil
}

func (m *memStore) SweepAwaitingValidation(ctx context.Context, limit int) ([]*operation.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*operation.Step
	for _, s := range m.steps {
		inFlight := s.Status == operation.StepSubmitted || s.Status == operation.StepPendingValidation
		if inFlight && s.TxHash != nil {
			out = append(out, copyStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastCheckedAt, out[j].LastCheckedAt
		switch {
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memWallets is an in-memory WalletReader.
type memWallets struct {
	mu      sync.Mutex
	wallets map[string]*operation.Wallet
}

func newMemWallets() *memWallets {
	return &memWallets{wallets: make(map[string]*operation.Wallet)}
}

func (m *memWallets) add(id, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[id] = &operation.Wallet{ID: id, Address: address}
}

func (m *memWallets) Get(ctx context.Context, id string) (*operation.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, operation.E(operation.KindNotFound, "wallet %s not found", id)
	}
	c := *w
	return &c, nil
}

// mapSeeds is a SeedSource answered from a fixed map.
type mapSeeds map[string]string

func (m mapSeeds) FetchSeed(ctx context.Context, identityID string) (string, error) {
	seed, ok := m[identityID]
	if !ok {
		return "", operation.E(operation.KindNotFound, "no seed for %s", identityID)
	}
	return seed, nil
}

// hashlessSubmitClient strips the hash from submit envelopes, as some
// gateways do.
type hashlessSubmitClient struct {
	ledger.Client
}

func (c hashlessSubmitClient) Submit(ctx context.Context, blob string) (*ledger.SubmitResult, error) {
	res, err := c.Client.Submit(ctx, blob)
	if err != nil {
		return nil, err
	}
	res.TxHash = ""
	return res, nil
}

// overlapClient wraps a ledger client and records per-account submission
// discipline: no two submissions for one account may overlap, and every
// earlier submission by the account must already have its hash stored when
// the next one begins.
type overlapClient struct {
	ledger.Client
	store   *memStore
	signers map[string]string // ledger address -> identity id

	mu       sync.Mutex
	inFlight map[string]bool
	faults   []string
}

func (c *overlapClient) Submit(ctx context.Context, blob string) (*ledger.SubmitResult, error) {
	account := submitAccount(blob)
	c.mu.Lock()
	if c.inFlight[account] {
		c.faults = append(c.faults, fmt.Sprintf("overlapping submissions for %s", account))
	}
	for _, s := range c.store.stepsBySigner(c.signers[account]) {
		if s.Status != operation.StepPending && s.TxHash == nil {
			c.faults = append(c.faults, fmt.Sprintf("step %s submitted without a stored hash", s.ID))
		}
	}
	c.inFlight[account] = true
	c.mu.Unlock()

	res, err := c.Client.Submit(ctx, blob)

	c.mu.Lock()
	delete(c.inFlight, account)
	c.mu.Unlock()
	return res, err
}

func (c *overlapClient) Faults() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.faults...)
}

// submitAccount parses the signing account out of a stub submit blob.
func submitAccount(blob string) string {
	payload := blob
	if i := strings.LastIndex(blob, "|"); i >= 0 {
		payload = blob[:i]
	}
	var tx struct {
		Account string `json:"Account"`
	}
	_ = json.Unmarshal([]byte(payload), &tx)
	return tx.Account
}
