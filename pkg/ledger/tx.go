// Copyright 2026 Digital Platformer
//
// Transaction Payloads
// Token issuance, authorization, payment and clawback recipes

package ledger

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

// Tx is a ledger transaction payload in its JSON form. Builders below fill
// the role-specific fields; Prepare autofills the rest.
type Tx map[string]any

// Transaction type names the adapter passes through on the wire.
const (
	TxTypeIssuanceCreate = "MPTokenIssuanceCreate"
	TxTypeAuthorize      = "MPTokenAuthorize"
	TxTypePayment        = "Payment"
	TxTypeClawback       = "Clawback"
)

// Issuance create flags: the token class is transferable and the issuer may
// claw back holdings.
const (
	FlagCanTransfer = 0x20
	FlagCanClawback = 0x40

	IssuanceFlags = FlagCanTransfer | FlagCanClawback // 96
)

// MPTAmount denominates an amount of a specific token issuance.
type MPTAmount struct {
	IssuanceID string          `json:"mpt_issuance_id"`
	Value      decimal.Decimal `json:"value"`
}

// MarshalJSON emits the amount value as a plain string, the form the ledger
// expects.
func (a MPTAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"mpt_issuance_id": a.IssuanceID,
		"value":           a.Value.String(),
	})
}

// NewIssuanceCreate builds the first mint step's transaction: create a token
// class capped at the mint amount, with no fractional units and no transfer
// fee. Optional metadata rides along hex-encoded.
func NewIssuanceCreate(issuerAddress string, amount decimal.Decimal, metadata []byte) Tx {
	tx := Tx{
		"TransactionType": TxTypeIssuanceCreate,
		"Account":         issuerAddress,
		"AssetScale":      0,
		"TransferFee":     0,
		"MaximumAmount":   amount.String(),
		"Flags":           IssuanceFlags,
	}
	if len(metadata) > 0 {
		tx["MPTokenMetadata"] = hex.EncodeToString(metadata)
	}
	return tx
}

// NewAuthorize builds a holder's opt-in to a token issuance.
func NewAuthorize(holderAddress, issuanceID string) Tx {
	return Tx{
		"TransactionType":   TxTypeAuthorize,
		"Account":           holderAddress,
		"MPTokenIssuanceID": issuanceID,
	}
}

// NewPayment builds a token payment from one address to another.
func NewPayment(fromAddress, toAddress, issuanceID string, amount decimal.Decimal) Tx {
	return Tx{
		"TransactionType": TxTypePayment,
		"Account":         fromAddress,
		"Destination":     toAddress,
		"Amount":          MPTAmount{IssuanceID: issuanceID, Value: amount},
	}
}

// NewClawback builds the issuer's reclaim of tokens from a holder.
func NewClawback(issuerAddress, holderAddress, issuanceID string, amount decimal.Decimal) Tx {
	return Tx{
		"TransactionType": TxTypeClawback,
		"Account":         issuerAddress,
		"Holder":          holderAddress,
		"Amount":          MPTAmount{IssuanceID: issuanceID, Value: amount},
	}
}

// Account returns the signing account of the payload.
func (t Tx) Account() string {
	a, _ := t["Account"].(string)
	return a
}

// Type returns the transaction type of the payload.
func (t Tx) Type() string {
	a, _ := t["TransactionType"].(string)
	return a
}

// canonicalJSON serializes the payload with sorted keys so signing and
// hashing are deterministic.
func (t Tx) canonicalJSON() ([]byte, error) {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]json.RawMessage, len(t))
	for _, k := range keys {
		raw, err := json.Marshal(t[k])
		if err != nil {
			return nil, err
		}
		ordered[k] = raw
	}
	// encoding/json already sorts map keys; the explicit pass above fails
	// fast on unmarshalable values.
	return json.Marshal(ordered)
}
