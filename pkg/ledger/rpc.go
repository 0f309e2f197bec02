// Copyright 2026 Digital Platformer
//
// JSON-RPC Ledger Client
// HTTP transport, local signing, submission and validated lookups

package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// rpcClient talks JSON-RPC over HTTP to a settlement ledger node. One
// instance is shared process-wide; the underlying http.Client pools and
// re-establishes connections, so a dropped node connection heals on the
// next call.
type rpcClient struct {
	endpoint  string
	faucetURL string
	http      *http.Client
	logger    *zap.Logger
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// RPCConfig configures the JSON-RPC client.
type RPCConfig struct {
	Endpoint  string
	FaucetURL string // empty on networks without a faucet
	Timeout   time.Duration
	Logger    *zap.Logger
}

// NewRPCClient constructs the process-wide ledger client.
func NewRPCClient(cfg RPCConfig) (Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ledger endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &rpcClient{
		endpoint:  cfg.Endpoint,
		faucetURL: cfg.FaucetURL,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}, nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

func (c *rpcClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: node returned %d: %s", method, resp.StatusCode, raw)
	}

	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("parse %s response: %w", method, err)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("parse %s result: %w", method, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTION LIFECYCLE
// =============================================================================

// Connect verifies the node answers server_info.
func (c *rpcClient) Connect(ctx context.Context) error {
	var info struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "server_info", map[string]any{}, &info); err != nil {
		return fmt.Errorf("connect to ledger: %w", err)
	}
	c.logger.Info("connected to settlement ledger", zap.String("endpoint", c.endpoint))
	return nil
}

func (c *rpcClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Prepare autofills fee, sequence and last-ledger-sequence for fields the
// caller left unset.
func (c *rpcClient) Prepare(ctx context.Context, tx Tx) error {
	account := tx.Account()
	if account == "" {
		return fmt.Errorf("prepare: payload has no Account")
	}

	if _, ok := tx["Fee"]; !ok {
		var feeResult struct {
			Drops struct {
				OpenLedgerFee string `json:"open_ledger_fee"`
			} `json:"drops"`
		}
		if err := c.call(ctx, "fee", map[string]any{}, &feeResult); err != nil {
			return fmt.Errorf("prepare fee: %w", err)
		}
		fee := feeResult.Drops.OpenLedgerFee
		if fee == "" {
			fee = "10"
		}
		tx["Fee"] = fee
	}

	var acct struct {
		AccountData struct {
			Sequence uint32 `json:"Sequence"`
		} `json:"account_data"`
		LedgerCurrentIndex int64  `json:"ledger_current_index"`
		Error              string `json:"error"`
	}
	if err := c.call(ctx, "account_info", map[string]any{
		"account":      account,
		"ledger_index": "current",
	}, &acct); err != nil {
		return fmt.Errorf("prepare sequence: %w", err)
	}
	if acct.Error == "actNotFound" {
		return fmt.Errorf("prepare: %w", ErrAccountNotFound)
	}

	if _, ok := tx["Sequence"]; !ok {
		tx["Sequence"] = acct.AccountData.Sequence
	}
	if _, ok := tx["LastLedgerSequence"]; !ok {
		tx["LastLedgerSequence"] = acct.LedgerCurrentIndex + 20
	}
	return nil
}

// Sign serializes the prepared payload, signs it with the seed's ed25519
// key, and computes the canonical hash (SHA-512 half over the prefixed
// blob).
func (c *rpcClient) Sign(tx Tx, seed string) (string, string, error) {
	w, err := DeriveWallet(seed)
	if err != nil {
		return "", "", fmt.Errorf("sign: %w", err)
	}
	if acct := tx.Account(); acct != "" && acct != w.Address {
		return "", "", fmt.Errorf("sign: payload account %s does not match signer %s", acct, w.Address)
	}

	keySeed := sha512.Sum512([]byte(seed))
	priv := ed25519.NewKeyFromSeed(keySeed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)

	signing := make(Tx, len(tx)+1)
	for k, v := range tx {
		signing[k] = v
	}
	signing["SigningPubKey"] = "ED" + strings.ToUpper(hex.EncodeToString(pub))

	unsigned, err := signing.canonicalJSON()
	if err != nil {
		return "", "", fmt.Errorf("sign: serialize: %w", err)
	}
	sig := ed25519.Sign(priv, unsigned)
	signing["TxnSignature"] = strings.ToUpper(hex.EncodeToString(sig))

	signed, err := signing.canonicalJSON()
	if err != nil {
		return "", "", fmt.Errorf("sign: serialize signed: %w", err)
	}

	blob := strings.ToUpper(hex.EncodeToString(signed))
	return blob, txHashOf(blob), nil
}

// txHashOf computes the canonical transaction hash: the first half of
// SHA-512 over the transaction-prefixed blob bytes.
func txHashOf(blob string) string {
	raw, _ := hex.DecodeString(blob)
	h := sha512.Sum512(append([]byte("TXN\x00"), raw...))
	return strings.ToUpper(hex.EncodeToString(h[:32]))
}

// Submit pushes a signed blob and returns the tentative acceptance record.
func (c *rpcClient) Submit(ctx context.Context, blob string) (*SubmitResult, error) {
	var result struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
		ValidatedLedgerIndex int64  `json:"validated_ledger_index"`
		Error                string `json:"error"`
	}
	if err := c.call(ctx, "submit", map[string]any{"tx_blob": blob}, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("submit rejected: %s", result.Error)
	}

	hash := result.TxJSON.Hash
	if hash == "" {
		hash = txHashOf(blob)
	}

	raw, _ := json.Marshal(result)
	return &SubmitResult{
		TxHash:               hash,
		EngineResult:         result.EngineResult,
		EngineResultMessage:  result.EngineResultMessage,
		ValidatedLedgerIndex: result.ValidatedLedgerIndex,
		Raw:                  raw,
	}, nil
}

// Lookup queries a transaction by hash. A txnNotFound answer is the benign
// not-yet-in-a-ledger signal, not an error condition.
func (c *rpcClient) Lookup(ctx context.Context, txHash string) (*LookupResult, error) {
	var result struct {
		Validated bool            `json:"validated"`
		Meta      json.RawMessage `json:"meta"`
		Error     string          `json:"error"`
	}
	if err := c.call(ctx, "tx", map[string]any{"transaction": txHash, "binary": false}, &result); err != nil {
		return nil, err
	}
	if result.Error == "txnNotFound" {
		return nil, ErrNotYetValidated
	}
	if result.Error != "" {
		return nil, fmt.Errorf("lookup %s: %s", txHash, result.Error)
	}

	lr := &LookupResult{Validated: result.Validated, Meta: result.Meta}
	if len(result.Meta) > 0 {
		var meta struct {
			TransactionResult string `json:"TransactionResult"`
		}
		if err := json.Unmarshal(result.Meta, &meta); err == nil {
			lr.TransactionResult = meta.TransactionResult
		}
	}
	raw, _ := json.Marshal(result)
	lr.Raw = raw
	return lr, nil
}

// =============================================================================
// ACCOUNT SERVICES
// =============================================================================

// Fund asks the test-network faucet to fund an address.
func (c *rpcClient) Fund(ctx context.Context, address string) error {
	if c.faucetURL == "" {
		return fmt.Errorf("no faucet configured for this network")
	}

	body, _ := json.Marshal(map[string]string{"destination": address})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.faucetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build faucet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("faucet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("faucet returned %d: %s", resp.StatusCode, raw)
	}
	return nil
}

// Balance returns the native balance, or the holding of a specific issuance
// when issuanceID is set.
func (c *rpcClient) Balance(ctx context.Context, address, issuanceID string) (decimal.Decimal, error) {
	if issuanceID == "" {
		var acct struct {
			AccountData struct {
				Balance string `json:"Balance"`
			} `json:"account_data"`
			Error string `json:"error"`
		}
		if err := c.call(ctx, "account_info", map[string]any{
			"account": address, "ledger_index": "validated",
		}, &acct); err != nil {
			return decimal.Zero, err
		}
		if acct.Error == "actNotFound" {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.NewFromString(acct.AccountData.Balance)
	}

	var holdings struct {
		Objects []struct {
			IssuanceID string `json:"MPTokenIssuanceID"`
			MPTAmount  string `json:"MPTAmount"`
		} `json:"account_objects"`
		Error string `json:"error"`
	}
	if err := c.call(ctx, "account_objects", map[string]any{
		"account": address, "type": "mptoken", "ledger_index": "validated",
	}, &holdings); err != nil {
		return decimal.Zero, err
	}
	if holdings.Error == "actNotFound" {
		return decimal.Zero, ErrAccountNotFound
	}
	for _, obj := range holdings.Objects {
		if obj.IssuanceID == issuanceID {
			return decimal.NewFromString(obj.MPTAmount)
		}
	}
	return decimal.Zero, nil
}
