// Copyright 2026 Digital Platformer
//
// Scriptable Ledger Stub
// Deterministic in-memory client for tests

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ScriptedOutcome describes what the stub answers for one transaction: the
// submit engine result, then the sequence of lookup answers. Lookups past
// the end of the sequence repeat the final entry.
type ScriptedOutcome struct {
	SubmitResult string
	SubmitErr    error
	Lookups      []LookupAnswer
}

// LookupAnswer is one scripted reply to a Lookup call.
type LookupAnswer struct {
	Err    error
	Result string // transaction result code when Err is nil
	Meta   json.RawMessage
}

// StubClient is a deterministic in-memory Client. Outcomes are scripted per
// transaction type, and every submitted blob is recorded in order so tests
// can assert serialization across signers.
type StubClient struct {
	mu       sync.Mutex
	scripts  map[string]*scriptState // keyed by TransactionType
	fallback ScriptedOutcome

	submitted   []SubmittedTx
	lookupPlans map[string][]LookupAnswer
	lookups     map[string]int // txHash -> lookup call count
	hashSeq     int

	fundCalls []string
	balances  map[string]decimal.Decimal
}

type scriptState struct {
	outcomes []ScriptedOutcome
	next     int
}

// SubmittedTx records one Submit observed by the stub, in call order.
type SubmittedTx struct {
	TxHash  string
	TxType  string
	Account string
	Tx      Tx
}

// NewStubClient returns a stub whose unscripted transactions validate with
// tesSUCCESS on the first lookup.
func NewStubClient() *StubClient {
	return &StubClient{
		scripts:     make(map[string]*scriptState),
		lookupPlans: make(map[string][]LookupAnswer),
		lookups:     make(map[string]int),
		balances:    make(map[string]decimal.Decimal),
		fallback: ScriptedOutcome{
			SubmitResult: ResultSuccess,
			Lookups:      []LookupAnswer{{Result: ResultSuccess}},
		},
	}
}

// Script queues an outcome for the next transaction of the given type.
// Multiple calls queue in order.
func (s *StubClient) Script(txType string, outcome ScriptedOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scripts[txType]
	if !ok {
		st = &scriptState{}
		s.scripts[txType] = st
	}
	st.outcomes = append(st.outcomes, outcome)
}

// SetBalance seeds the answer Balance returns for an address.
func (s *StubClient) SetBalance(address string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[address] = amount
}

// Submitted returns the transactions observed so far, in submit order.
func (s *StubClient) Submitted() []SubmittedTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubmittedTx, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// FundCalls returns the addresses passed to Fund, in order.
func (s *StubClient) FundCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.fundCalls))
	copy(out, s.fundCalls)
	return out
}

func (s *StubClient) outcomeFor(txType string) ScriptedOutcome {
	if st, ok := s.scripts[txType]; ok && st.next < len(st.outcomes) {
		o := st.outcomes[st.next]
		st.next++
		return o
	}
	return s.fallback
}

func (s *StubClient) Connect(context.Context) error { return nil }
func (s *StubClient) Close() error                  { return nil }

func (s *StubClient) Prepare(_ context.Context, tx Tx) error {
	if tx.Account() == "" {
		return fmt.Errorf("prepare: payload has no Account")
	}
	if _, ok := tx["Fee"]; !ok {
		tx["Fee"] = "10"
	}
	if _, ok := tx["Sequence"]; !ok {
		tx["Sequence"] = uint32(1)
	}
	return nil
}

func (s *StubClient) Sign(tx Tx, seed string) (string, string, error) {
	if seed == "" {
		return "", "", fmt.Errorf("sign: empty seed")
	}
	blob, err := tx.canonicalJSON()
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	s.hashSeq++
	hash := fmt.Sprintf("%064X", s.hashSeq)
	s.mu.Unlock()

	return string(blob) + "|" + hash, hash, nil
}

func (s *StubClient) Submit(_ context.Context, blob string) (*SubmitResult, error) {
	var tx Tx
	hash := ""
	if i := lastPipe(blob); i >= 0 {
		hash = blob[i+1:]
		if err := json.Unmarshal([]byte(blob[:i]), &tx); err != nil {
			return nil, fmt.Errorf("stub submit: bad blob: %w", err)
		}
	} else {
		return nil, fmt.Errorf("stub submit: blob not produced by stub Sign")
	}

	s.mu.Lock()
	outcome := s.outcomeFor(tx.Type())
	if outcome.SubmitErr != nil {
		s.mu.Unlock()
		return nil, outcome.SubmitErr
	}
	s.submitted = append(s.submitted, SubmittedTx{
		TxHash:  hash,
		TxType:  tx.Type(),
		Account: tx.Account(),
		Tx:      tx,
	})
	s.scriptLookups(hash, outcome.Lookups)
	s.mu.Unlock()

	return &SubmitResult{
		TxHash:       hash,
		EngineResult: outcome.SubmitResult,
	}, nil
}

// scriptLookups binds a submitted hash to its lookup answers. Callers hold mu.
func (s *StubClient) scriptLookups(hash string, answers []LookupAnswer) {
	s.lookupPlans[hash] = answers
}

// ResolveLookup replaces the scripted lookup answer for an already-submitted
// transaction, letting a test flip a stuck transaction to a verdict.
func (s *StubClient) ResolveLookup(txHash string, answer LookupAnswer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupPlans[txHash] = []LookupAnswer{answer}
	s.lookups[txHash] = 0
}

func (s *StubClient) Lookup(_ context.Context, txHash string) (*LookupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	answers := s.lookupPlans[txHash]
	if len(answers) == 0 {
		return nil, ErrNotYetValidated
	}
	idx := s.lookups[txHash]
	if idx >= len(answers) {
		idx = len(answers) - 1
	}
	s.lookups[txHash]++

	a := answers[idx]
	if a.Err != nil {
		return nil, a.Err
	}
	meta := a.Meta
	if meta == nil {
		meta, _ = json.Marshal(map[string]string{"TransactionResult": a.Result})
	}
	return &LookupResult{
		Validated:         true,
		TransactionResult: a.Result,
		Meta:              meta,
		Raw:               meta,
	}, nil
}

func (s *StubClient) Fund(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundCalls = append(s.fundCalls, address)
	return nil
}

func (s *StubClient) Balance(_ context.Context, address, _ string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[address]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	return bal, nil
}

func lastPipe(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '|' {
			return i
		}
	}
	return -1
}
