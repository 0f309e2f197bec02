// Copyright 2026 Digital Platformer
//
// Execution Tests
// Executor, poller and intent behavior against in-memory fakes

package execution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/keymutex"
	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

const (
	issuerSeed = "sEdIssuerTestSeedAlphaOne"
	aliceSeed  = "sEdAliceTestSeedAlphaOne"
	bobSeed    = "sEdBobTestSeedAlphaOne"
)

type harness struct {
	store   *memStore
	wallets *memWallets
	seeds   mapSeeds
	stub    *ledger.StubClient
	intents *Intents
	exec    *Executor
	poller  *Poller
}

func newHarness(t *testing.T) *harness {
	return newHarnessClient(t, nil)
}

// newHarnessClient lets a test interpose on the ledger client.
func newHarnessClient(t *testing.T, wrap func(ledger.Client) ledger.Client) *harness {
	t.Helper()

	store := newMemStore()
	wallets := newMemWallets()
	for id, seed := range map[string]string{"alice": aliceSeed, "bob": bobSeed} {
		w, err := ledger.DeriveWallet(seed)
		require.NoError(t, err)
		wallets.add(id, w.Address)
	}

	stub := ledger.NewStubClient()
	var client ledger.Client = stub
	if wrap != nil {
		client = wrap(stub)
	}
	seeds := mapSeeds{
		operation.IssuerIdentity: issuerSeed,
		"alice":                  aliceSeed,
		"bob":                    bobSeed,
	}

	exec := NewExecutor(ExecutorConfig{
		Operations:        store,
		Steps:             store,
		Wallets:           wallets,
		Seeds:             seeds,
		Ledger:            client,
		Locks:             keymutex.New(),
		Logger:            zap.NewNop(),
		PollInterval:      5 * time.Millisecond,
		ValidationTimeout: 60 * time.Millisecond,
	})
	intents := NewIntents(IntentsConfig{
		Operations: store,
		Steps:      store,
		Wallets:    wallets,
		Executor:   exec,
		Logger:     zap.NewNop(),
	})
	poller := NewPoller(PollerConfig{
		Operations: store,
		Steps:      store,
		Ledger:     client,
		Resume:     exec.Spawn,
		Logger:     zap.NewNop(),
		Interval:   time.Hour, // tests drive Sweep directly
		Batch:      10,
	})

	return &harness{store: store, wallets: wallets, seeds: seeds, stub: stub, intents: intents, exec: exec, poller: poller}
}

func (h *harness) opStatus(t *testing.T, id string) operation.Status {
	t.Helper()
	op, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return op.Status
}

func (h *harness) waitTerminal(t *testing.T, id string) *operation.Operation {
	t.Helper()
	require.Eventually(t, func() bool {
		op, err := h.store.Get(context.Background(), id)
		return err == nil && op.Status.Terminal()
	}, 2*time.Second, 2*time.Millisecond)
	op, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return op
}

func mintMeta(issuanceID string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{
		"TransactionResult": "tesSUCCESS",
		"mpt_issuance_id":   issuanceID,
	})
	return raw
}

func TestMintHappyPath(t *testing.T) {
	h := newHarness(t)
	h.stub.Script(ledger.TxTypeIssuanceCreate, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Result: ledger.ResultSuccess, Meta: mintMeta("ISS-001")}},
	})

	res, err := h.intents.Mint(context.Background(), MintIntent{
		IdempotencyKey: "mint-1",
		UserWalletID:   "alice",
		Amount:         "1000",
		Metadata:       "solar-farm-7",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, operation.StatusPending, res.Operation.Status)
	require.Len(t, res.Steps, 3)

	op := h.waitTerminal(t, res.Operation.ID)
	assert.Equal(t, operation.StatusSuccess, op.Status)
	require.NotNil(t, op.IssuanceID)
	assert.Equal(t, "ISS-001", *op.IssuanceID)

	steps, err := h.store.ListByOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, operation.StepValidatedSuccess, s.Status, "step %d", s.StepNo)
		assert.NotNil(t, s.TxHash, "step %d", s.StepNo)
	}

	// Submissions happen strictly in step order.
	submitted := h.stub.Submitted()
	require.Len(t, submitted, 3)
	assert.Equal(t, ledger.TxTypeIssuanceCreate, submitted[0].TxType)
	assert.Equal(t, ledger.TxTypeAuthorize, submitted[1].TxType)
	assert.Equal(t, ledger.TxTypePayment, submitted[2].TxType)

	// The payment carries the discovered issuance.
	amt, ok := submitted[2].Tx["Amount"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ISS-001", amt["mpt_issuance_id"])
	assert.Equal(t, "1000", amt["value"])
}

func TestMintIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	h.stub.Script(ledger.TxTypeIssuanceCreate, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Result: ledger.ResultSuccess, Meta: mintMeta("ISS-002")}},
	})

	in := MintIntent{IdempotencyKey: "mint-dup", UserWalletID: "alice", Amount: "50"}
	first, err := h.intents.Mint(context.Background(), in)
	require.NoError(t, err)
	second, err := h.intents.Mint(context.Background(), in)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Operation.ID, second.Operation.ID)
	assert.Equal(t, 1, h.store.opCount())
}

func TestMintValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   MintIntent
		kind operation.ErrorKind
	}{
		{"missing key", MintIntent{UserWalletID: "alice", Amount: "1"}, operation.KindInvalidArgument},
		{"missing amount", MintIntent{IdempotencyKey: "k", UserWalletID: "alice"}, operation.KindInvalidArgument},
		{"non-numeric amount", MintIntent{IdempotencyKey: "k", UserWalletID: "alice", Amount: "abc"}, operation.KindInvalidArgument},
		{"fractional amount", MintIntent{IdempotencyKey: "k", UserWalletID: "alice", Amount: "1.5"}, operation.KindInvalidArgument},
		{"negative amount", MintIntent{IdempotencyKey: "k", UserWalletID: "alice", Amount: "-3"}, operation.KindInvalidArgument},
		{"reserved wallet", MintIntent{IdempotencyKey: "k", UserWalletID: "issuer", Amount: "1"}, operation.KindInvalidArgument},
		{"unknown wallet", MintIntent{IdempotencyKey: "k", UserWalletID: "nobody", Amount: "1"}, operation.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.intents.Mint(ctx, tc.in)
			require.Error(t, err)
			assert.Equal(t, tc.kind, operation.KindOf(err))
		})
	}
}

func TestTransferValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.intents.Transfer(ctx, TransferIntent{
		IdempotencyKey: "t", SourceWalletID: "alice", DestWalletID: "bob", Amount: "1",
	})
	assert.Equal(t, operation.KindInvalidArgument, operation.KindOf(err), "missing issuance")

	_, err = h.intents.Transfer(ctx, TransferIntent{
		IdempotencyKey: "t", SourceWalletID: "alice", DestWalletID: "alice",
		IssuanceID: "ISS", Amount: "1",
	})
	assert.Equal(t, operation.KindInvalidArgument, operation.KindOf(err), "same wallet")
}

func TestBurnRejectsForeignIssuerWallet(t *testing.T) {
	h := newHarness(t)
	_, err := h.intents.Burn(context.Background(), BurnIntent{
		IdempotencyKey: "b", IssuerWalletID: "alice", HolderWalletID: "bob",
		IssuanceID: "ISS", Amount: "1",
	})
	assert.Equal(t, operation.KindInvalidArgument, operation.KindOf(err))
}

func TestBurnHappyPath(t *testing.T) {
	h := newHarness(t)

	res, err := h.intents.Burn(context.Background(), BurnIntent{
		IdempotencyKey: "burn-1",
		IssuerWalletID: operation.IssuerIdentity,
		HolderWalletID: "bob",
		IssuanceID:     "ISS-B",
		Amount:         "25",
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)

	op := h.waitTerminal(t, res.Operation.ID)
	assert.Equal(t, operation.StatusSuccess, op.Status)

	submitted := h.stub.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, ledger.TxTypeClawback, submitted[0].TxType)

	bobAddr, _ := h.wallets.Get(context.Background(), "bob")
	assert.Equal(t, bobAddr.Address, submitted[0].Tx["Holder"])
}

func TestPermanentFailureHaltsOperation(t *testing.T) {
	h := newHarness(t)
	h.stub.Script(ledger.TxTypeIssuanceCreate, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Result: ledger.ResultSuccess, Meta: mintMeta("ISS-003")}},
	})
	h.stub.Script(ledger.TxTypeAuthorize, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Result: "tecNO_AUTH"}},
	})

	res, err := h.intents.Mint(context.Background(), MintIntent{
		IdempotencyKey: "mint-fail", UserWalletID: "alice", Amount: "10",
	})
	require.NoError(t, err)

	op := h.waitTerminal(t, res.Operation.ID)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Contains(t, op.ErrorMessage, "step 2")
	assert.Contains(t, op.ErrorMessage, "tecNO_AUTH")

	steps, err := h.store.ListByOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StepValidatedSuccess, steps[0].Status)
	assert.Equal(t, operation.StepValidatedFailed, steps[1].Status)
	// Step 3 was never attempted.
	assert.Equal(t, operation.StepPending, steps[2].Status)
	assert.Len(t, h.stub.Submitted(), 2)
}

func TestInlineTimeoutHandsOffToPoller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The receiver's authorization never validates within the inline
	// window.
	h.stub.Script(ledger.TxTypeAuthorize, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Err: ledger.ErrNotYetValidated}},
	})

	res, err := h.intents.Transfer(ctx, TransferIntent{
		IdempotencyKey: "transfer-slow",
		SourceWalletID: "alice",
		DestWalletID:   "bob",
		IssuanceID:     "ISS-T",
		Amount:         "5",
	})
	require.NoError(t, err)

	// Inline wait expires: the operation stays in progress with step 1
	// parked for the poller and step 2 untouched.
	require.Eventually(t, func() bool {
		steps, err := h.store.ListByOperation(ctx, res.Operation.ID)
		if err != nil || len(steps) == 0 {
			return false
		}
		return steps[0].Status == operation.StepPendingValidation &&
			h.exec.Drain(10*time.Millisecond)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, operation.StatusInProgress, h.opStatus(t, res.Operation.ID))

	// The ledger finally validates; the poller promotes step 1 and resumes
	// the operation, which then runs step 2 to completion.
	steps, err := h.store.ListByOperation(ctx, res.Operation.ID)
	require.NoError(t, err)
	h.stub.ResolveLookup(*steps[0].TxHash, ledger.LookupAnswer{Result: ledger.ResultSuccess})

	h.poller.Sweep(ctx)

	op := h.waitTerminal(t, res.Operation.ID)
	assert.Equal(t, operation.StatusSuccess, op.Status)

	steps, err = h.store.ListByOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StepValidatedSuccess, steps[0].Status)
	assert.Equal(t, operation.StepValidatedSuccess, steps[1].Status)
}

func TestPollerPromotesFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.stub.Script(ledger.TxTypeClawback, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Err: ledger.ErrNotYetValidated}},
	})

	res, err := h.intents.Burn(ctx, BurnIntent{
		IdempotencyKey: "burn-slow", HolderWalletID: "bob",
		IssuanceID: "ISS-B", Amount: "1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		steps, err := h.store.ListByOperation(ctx, res.Operation.ID)
		if err != nil || len(steps) == 0 {
			return false
		}
		return steps[0].Status == operation.StepPendingValidation &&
			h.exec.Drain(10*time.Millisecond)
	}, 2*time.Second, 5*time.Millisecond)

	steps, err := h.store.ListByOperation(ctx, res.Operation.ID)
	require.NoError(t, err)
	h.stub.ResolveLookup(*steps[0].TxHash, ledger.LookupAnswer{Result: "tecNO_PERMISSION"})

	h.poller.Sweep(ctx)

	op, err := h.store.Get(ctx, res.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Contains(t, op.ErrorMessage, "step 1")
	assert.Contains(t, op.ErrorMessage, "tecNO_PERMISSION")
}

func TestPerSignerSubmissionOrder(t *testing.T) {
	ctx := context.Background()

	oc := &overlapClient{inFlight: make(map[string]bool)}
	h := newHarnessClient(t, func(c ledger.Client) ledger.Client {
		oc.Client = c
		return oc
	})
	oc.store = h.store
	oc.signers = make(map[string]string)
	for id, seed := range map[string]string{
		operation.IssuerIdentity: issuerSeed,
		"alice":                  aliceSeed,
		"bob":                    bobSeed,
	} {
		w, err := ledger.DeriveWallet(seed)
		require.NoError(t, err)
		oc.signers[w.Address] = id
	}

	metaA := mintMeta("ISS-A")
	metaB := mintMeta("ISS-B")
	h.stub.Script(ledger.TxTypeIssuanceCreate, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Result: ledger.ResultSuccess, Meta: metaA}},
	})
	h.stub.Script(ledger.TxTypeIssuanceCreate, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Result: ledger.ResultSuccess, Meta: metaB}},
	})

	a, err := h.intents.Mint(ctx, MintIntent{IdempotencyKey: "mint-a", UserWalletID: "alice", Amount: "10"})
	require.NoError(t, err)
	b, err := h.intents.Mint(ctx, MintIntent{IdempotencyKey: "mint-b", UserWalletID: "bob", Amount: "20"})
	require.NoError(t, err)

	opA := h.waitTerminal(t, a.Operation.ID)
	opB := h.waitTerminal(t, b.Operation.ID)
	assert.Equal(t, operation.StatusSuccess, opA.Status)
	assert.Equal(t, operation.StatusSuccess, opB.Status)

	// Six submissions total; within each operation they are in step order,
	// and every recorded hash was durably assigned before the next
	// submission from the same signer began.
	submitted := h.stub.Submitted()
	require.Len(t, submitted, 6)
	seen := map[string]int{}
	for _, s := range submitted {
		seen[s.TxType]++
	}
	assert.Equal(t, 2, seen[ledger.TxTypeIssuanceCreate])
	assert.Equal(t, 2, seen[ledger.TxTypeAuthorize])
	assert.Equal(t, 2, seen[ledger.TxTypePayment])

	// No signer ever had two submissions in flight, and every submission
	// found the signer's earlier hashes already durable.
	assert.Empty(t, oc.Faults())
}

func TestExecuteSkipsValidatedSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.intents.Burn(ctx, BurnIntent{
		IdempotencyKey: "burn-resume", HolderWalletID: "bob",
		IssuanceID: "ISS-R", Amount: "3",
	})
	require.NoError(t, err)
	h.waitTerminal(t, res.Operation.ID)
	before := len(h.stub.Submitted())

	// Re-running a finished operation submits nothing.
	require.NoError(t, h.exec.Execute(ctx, res.Operation.ID))
	assert.Len(t, h.stub.Submitted(), before)
}

func TestResumeDoesNotResubmitInFlightStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.stub.Script(ledger.TxTypeClawback, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Err: ledger.ErrNotYetValidated}},
	})

	res, err := h.intents.Burn(ctx, BurnIntent{
		IdempotencyKey: "burn-inflight", HolderWalletID: "bob",
		IssuanceID: "ISS-I", Amount: "4",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		steps, err := h.store.ListByOperation(ctx, res.Operation.ID)
		if err != nil || len(steps) == 0 {
			return false
		}
		return steps[0].Status == operation.StepPendingValidation &&
			h.exec.Drain(10*time.Millisecond)
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.stub.Submitted(), 1)

	// The transaction finally validates. Re-running the operation must wait
	// on the recorded hash, not burn the sequence on a duplicate.
	steps, err := h.store.ListByOperation(ctx, res.Operation.ID)
	require.NoError(t, err)
	h.stub.ResolveLookup(*steps[0].TxHash, ledger.LookupAnswer{Result: ledger.ResultSuccess})

	require.NoError(t, h.exec.Execute(ctx, res.Operation.ID))

	assert.Len(t, h.stub.Submitted(), 1)
	op, err := h.store.Get(ctx, res.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusSuccess, op.Status)
	steps, err = h.store.ListByOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StepValidatedSuccess, steps[0].Status)
}

func TestMissingSeedFailsOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	delete(h.seeds, "alice")

	h.stub.Script(ledger.TxTypeIssuanceCreate, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Result: ledger.ResultSuccess, Meta: mintMeta("ISS-NS")}},
	})

	res, err := h.intents.Mint(ctx, MintIntent{
		IdempotencyKey: "mint-noseed", UserWalletID: "alice", Amount: "7",
	})
	require.NoError(t, err)

	// The authorize step cannot be built without alice's seed; the operation
	// fails instead of stranding a PENDING step forever.
	op := h.waitTerminal(t, res.Operation.ID)
	assert.Equal(t, operation.StatusFailed, op.Status)
	assert.Contains(t, op.ErrorMessage, "step 2")
	assert.Contains(t, op.ErrorMessage, "no seed")

	steps, err := h.store.ListByOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StepValidatedSuccess, steps[0].Status)
	assert.Equal(t, operation.StepValidatedFailed, steps[1].Status)
	assert.Equal(t, operation.StepPending, steps[2].Status)
	assert.Len(t, h.stub.Submitted(), 1)
}

func TestReplayResumesAbandonedOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.stub.Script(ledger.TxTypeAuthorize, ledger.ScriptedOutcome{
		SubmitResult: ledger.ResultSuccess,
		Lookups:      []ledger.LookupAnswer{{Err: ledger.ErrNotYetValidated}},
	})

	in := TransferIntent{
		IdempotencyKey: "transfer-retry",
		SourceWalletID: "alice",
		DestWalletID:   "bob",
		IssuanceID:     "ISS-RT",
		Amount:         "9",
	}
	first, err := h.intents.Transfer(ctx, in)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		steps, err := h.store.ListByOperation(ctx, first.Operation.ID)
		if err != nil || len(steps) == 0 {
			return false
		}
		return steps[0].Status == operation.StepPendingValidation &&
			h.exec.Drain(10*time.Millisecond)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, operation.StatusInProgress, h.opStatus(t, first.Operation.ID))

	steps, err := h.store.ListByOperation(ctx, first.Operation.ID)
	require.NoError(t, err)
	h.stub.ResolveLookup(*steps[0].TxHash, ledger.LookupAnswer{Result: ledger.ResultSuccess})

	// Retrying the intent replays the operation and re-arms its execution.
	second, err := h.intents.Transfer(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)

	op := h.waitTerminal(t, first.Operation.ID)
	assert.Equal(t, operation.StatusSuccess, op.Status)
	assert.Len(t, h.stub.Submitted(), 2)
}

func TestSubmitEnvelopeWithoutHash(t *testing.T) {
	h := newHarnessClient(t, func(c ledger.Client) ledger.Client {
		return hashlessSubmitClient{c}
	})

	res, err := h.intents.Burn(context.Background(), BurnIntent{
		IdempotencyKey: "burn-hashless", HolderWalletID: "bob",
		IssuanceID: "ISS-H", Amount: "2",
	})
	require.NoError(t, err)

	op := h.waitTerminal(t, res.Operation.ID)
	assert.Equal(t, operation.StatusSuccess, op.Status)

	// The hash computed at signing stands in for the one the envelope
	// dropped.
	steps, err := h.store.ListByOperation(context.Background(), op.ID)
	require.NoError(t, err)
	require.NotNil(t, steps[0].TxHash)
	submitted := h.stub.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, submitted[0].TxHash, *steps[0].TxHash)
}

func TestSubmitFailureFailsStep(t *testing.T) {
	h := newHarness(t)
	h.stub.Script(ledger.TxTypeClawback, ledger.ScriptedOutcome{
		SubmitErr: assert.AnError,
	})

	res, err := h.intents.Burn(context.Background(), BurnIntent{
		IdempotencyKey: "burn-reject", HolderWalletID: "bob",
		IssuanceID: "ISS-X", Amount: "1",
	})
	require.NoError(t, err)

	op := h.waitTerminal(t, res.Operation.ID)
	assert.Equal(t, operation.StatusFailed, op.Status)

	steps, err := h.store.ListByOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StepValidatedFailed, steps[0].Status)
}
