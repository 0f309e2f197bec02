// Copyright 2026 Digital Platformer
//
// HTTP Surface Tests
// Handler behavior against fake intent, wallet and vault backends

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/execution"
	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

const testIssuerSeed = "sEdApiIssuerSeedAlphaOne"

// fakeIntents scripts the execution core for handler tests.
type fakeIntents struct {
	mintCalls []execution.MintIntent
	result    *execution.IntentResult
	statusOp  *operation.Operation
	steps     []*operation.Step
	err       error
}

func (f *fakeIntents) Mint(_ context.Context, in execution.MintIntent) (*execution.IntentResult, error) {
	f.mintCalls = append(f.mintCalls, in)
	return f.result, f.err
}

func (f *fakeIntents) Transfer(_ context.Context, in execution.TransferIntent) (*execution.IntentResult, error) {
	return f.result, f.err
}

func (f *fakeIntents) Burn(_ context.Context, in execution.BurnIntent) (*execution.IntentResult, error) {
	return f.result, f.err
}

func (f *fakeIntents) Status(_ context.Context, id string, statusOnly bool) (*operation.Operation, []*operation.Step, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	if statusOnly {
		return f.statusOp, nil, nil
	}
	return f.statusOp, f.steps, nil
}

// fakeWallets is an in-memory WalletStore.
type fakeWallets struct {
	created []*operation.Wallet
	records map[string]*operation.Wallet
}

func newFakeWallets() *fakeWallets {
	return &fakeWallets{records: make(map[string]*operation.Wallet)}
}

func (f *fakeWallets) Create(_ context.Context, w *operation.Wallet) error {
	f.created = append(f.created, w)
	f.records[w.ID] = w
	return nil
}

func (f *fakeWallets) Get(_ context.Context, id string) (*operation.Wallet, error) {
	w, ok := f.records[id]
	if !ok {
		return nil, operation.E(operation.KindNotFound, "wallet %s not found", id)
	}
	return w, nil
}

// fakeVault seals trivially and serves the issuer seed.
type fakeVault struct{}

func (fakeVault) Seal(plaintext string) ([]byte, []byte, error) {
	return []byte("sealed:" + plaintext), []byte("nonce-123456"), nil
}

func (fakeVault) FetchSeed(_ context.Context, id string) (string, error) {
	if id == operation.IssuerIdentity {
		return testIssuerSeed, nil
	}
	return "", operation.E(operation.KindNotFound, "no seed for %s", id)
}

type fixture struct {
	intents *fakeIntents
	wallets *fakeWallets
	stub    *ledger.StubClient
	handler http.Handler
}

func newFixture(allowFaucet bool) *fixture {
	intents := &fakeIntents{}
	wallets := newFakeWallets()
	stub := ledger.NewStubClient()
	srv := New(Config{
		Intents:     intents,
		Wallets:     wallets,
		Vault:       fakeVault{},
		Ledger:      stub,
		Logger:      zap.NewNop(),
		AllowFaucet: allowFaucet,
	})
	return &fixture{intents: intents, wallets: wallets, stub: stub, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func sampleResult(replayed bool) *execution.IntentResult {
	dest := "alice"
	return &execution.IntentResult{
		Operation: &operation.Operation{
			ID:             "op-1",
			Kind:           operation.KindMint,
			IdempotencyKey: "k1",
			DestinationID:  &dest,
			Amount:         decimal.NewFromInt(1000),
			Status:         operation.StatusPending,
		},
		Steps: []*operation.Step{
			{ID: "s1", OperationID: "op-1", StepNo: 1, Kind: operation.StepIssuerMint, Status: operation.StepPending},
		},
		Replayed: replayed,
	}
}

func TestMintAccepted(t *testing.T) {
	f := newFixture(true)
	f.intents.result = sampleResult(false)

	rec := f.do(t, http.MethodPost, "/api/operations/mint",
		`{"idempotencyKey":"k1","userWalletId":"alice","amount":"1000","metadata":"cert-7"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		OperationID string           `json:"operationId"`
		Status      operation.Status `json:"status"`
		Steps       []json.RawMessage
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "op-1", resp.OperationID)
	assert.Equal(t, operation.StatusPending, resp.Status)
	assert.Len(t, resp.Steps, 1)

	require.Len(t, f.intents.mintCalls, 1)
	call := f.intents.mintCalls[0]
	assert.Equal(t, "k1", call.IdempotencyKey)
	assert.Equal(t, "alice", call.UserWalletID)
	assert.Equal(t, "1000", call.Amount)
	assert.Equal(t, "cert-7", call.Metadata)
}

func TestMintReplayReturns200(t *testing.T) {
	f := newFixture(true)
	f.intents.result = sampleResult(true)

	rec := f.do(t, http.MethodPost, "/api/operations/mint",
		`{"idempotencyKey":"k1","userWalletId":"alice","amount":"1000"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMintRejectsDeprecatedFields(t *testing.T) {
	f := newFixture(true)

	rec := f.do(t, http.MethodPost, "/api/operations/mint",
		`{"idempotencyKey":"k1","userWalletId":"alice","amount":"1000","assetScale":2}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "assetScale")
	assert.Empty(t, f.intents.mintCalls, "intent must not reach the core")
}

func TestMintNumericAmountAccepted(t *testing.T) {
	f := newFixture(true)
	f.intents.result = sampleResult(false)

	rec := f.do(t, http.MethodPost, "/api/operations/mint",
		`{"idempotencyKey":"k1","userWalletId":"alice","amount":1000}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.intents.mintCalls, 1)
	assert.Equal(t, "1000", f.intents.mintCalls[0].Amount)
}

func TestIntentErrorMapping(t *testing.T) {
	f := newFixture(true)
	f.intents.err = operation.E(operation.KindInvalidArgument, "amount is required")

	rec := f.do(t, http.MethodPost, "/api/operations/transfer", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "amount is required")

	f.intents.err = operation.E(operation.KindNotFound, "wallet x not found")
	rec = f.do(t, http.MethodPost, "/api/operations/burn", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOperation(t *testing.T) {
	f := newFixture(true)
	f.intents.statusOp = &operation.Operation{ID: "op-9", Kind: operation.KindTransfer, Status: operation.StatusSuccess}
	f.intents.steps = []*operation.Step{
		{ID: "s1", OperationID: "op-9", StepNo: 1, Status: operation.StepValidatedSuccess},
		{ID: "s2", OperationID: "op-9", StepNo: 2, Status: operation.StepValidatedSuccess},
	}

	rec := f.do(t, http.MethodGet, "/api/operations/op-9", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"steps"`)

	rec = f.do(t, http.MethodGet, "/api/operations/op-9?status=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"steps"`)
}

func TestGetOperationNotFound(t *testing.T) {
	f := newFixture(true)
	f.intents.err = operation.E(operation.KindNotFound, "operation nope not found")

	rec := f.do(t, http.MethodGet, "/api/operations/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateWalletGeneratesSeed(t *testing.T) {
	f := newFixture(true)

	rec := f.do(t, http.MethodPost, "/api/wallets", `{}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp walletResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.WalletID)
	assert.True(t, strings.HasPrefix(resp.Address, "r"))

	// Seed material never appears on the wire.
	assert.NotContains(t, rec.Body.String(), "seed")
	require.Len(t, f.wallets.created, 1)
	assert.NotEmpty(t, f.wallets.created[0].EncryptedSeed)
}

func TestCreateWalletWithSuppliedSeed(t *testing.T) {
	f := newFixture(true)
	seed := "sEdSuppliedSeedAlphaOne"
	expected, err := ledger.DeriveWallet(seed)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/wallets", fmt.Sprintf(`{"seed":%q}`, seed))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp walletResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, expected.Address, resp.Address)
}

func TestGetIssuerWalletIsVirtual(t *testing.T) {
	f := newFixture(true)
	expected, err := ledger.DeriveWallet(testIssuerSeed)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/wallets/issuer", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp walletResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, operation.IssuerIdentity, resp.WalletID)
	assert.Equal(t, expected.Address, resp.Address)
	assert.True(t, resp.Virtual)
}

func TestFundWallet(t *testing.T) {
	f := newFixture(true)
	f.wallets.records["w1"] = &operation.Wallet{ID: "w1", Address: "rUserAddress"}

	rec := f.do(t, http.MethodPost, "/api/wallets/w1/fund", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"rUserAddress"}, f.stub.FundCalls())
}

func TestFundWalletRejectsIssuer(t *testing.T) {
	f := newFixture(true)
	rec := f.do(t, http.MethodPost, "/api/wallets/issuer/fund", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFundWalletNoFaucetNetwork(t *testing.T) {
	f := newFixture(false)
	f.wallets.records["w1"] = &operation.Wallet{ID: "w1", Address: "rUserAddress"}

	rec := f.do(t, http.MethodPost, "/api/wallets/w1/fund", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.stub.FundCalls())
}

func TestBalance(t *testing.T) {
	f := newFixture(true)
	f.wallets.records["w1"] = &operation.Wallet{ID: "w1", Address: "rUserAddress"}
	f.stub.SetBalance("rUserAddress", decimal.NewFromInt(750))

	rec := f.do(t, http.MethodGet, "/api/wallets/w1/balance", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":"750"`)

	rec = f.do(t, http.MethodGet, "/api/wallets/w1/balance?issuanceId=ISS-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"issuanceId":"ISS-1"`)
}

func TestBalanceUnfundedAccount(t *testing.T) {
	f := newFixture(true)
	f.wallets.records["w1"] = &operation.Wallet{ID: "w1", Address: "rNeverFunded"}

	rec := f.do(t, http.MethodGet, "/api/wallets/w1/balance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(true)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(true)
	req := httptest.NewRequest(http.MethodOptions, "/api/operations/mint", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
