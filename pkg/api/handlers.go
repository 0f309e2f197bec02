// Copyright 2026 Digital Platformer
//
// HTTP Handlers
// Intent, operation status and wallet endpoints

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/execution"
	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// deprecatedMintFields were retired from the mint surface. Their values are
// now fixed internally; supplying any of them is a hard 400 so callers
// notice instead of silently losing settings.
var deprecatedMintFields = []string{"issuerWalletId", "assetScale", "maximumAmount", "transferFee"}

// decodeBody parses a JSON object into raw fields so deprecated keys can be
// detected and amounts survive untouched.
func decodeBody(r *http.Request) (map[string]json.RawMessage, error) {
	var body map[string]json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		return nil, operation.E(operation.KindInvalidArgument, "request body is not a JSON object")
	}
	return body, nil
}

// field extracts a string field, accepting JSON strings and bare numbers.
func field(body map[string]json.RawMessage, key string) string {
	raw, ok := body[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// intentResponse is the wire form of an accepted or replayed intent.
type intentResponse struct {
	OperationID string            `json:"operationId"`
	Status      operation.Status  `json:"status"`
	Steps       []*operation.Step `json:"steps"`
}

func (s *Server) writeIntentResult(w http.ResponseWriter, res *execution.IntentResult) {
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	steps := res.Steps
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNo < steps[j].StepNo })
	writeJSON(w, status, intentResponse{
		OperationID: res.Operation.ID,
		Status:      res.Operation.Status,
		Steps:       steps,
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}

	var deprecated []string
	for _, f := range deprecatedMintFields {
		if _, present := body[f]; present {
			deprecated = append(deprecated, fmt.Sprintf("%s is deprecated and fixed internally", f))
		}
	}
	if len(deprecated) > 0 {
		writeError(w, http.StatusBadRequest, "request carries deprecated fields", deprecated...)
		return
	}

	res, err := s.intents.Mint(r.Context(), execution.MintIntent{
		IdempotencyKey: field(body, "idempotencyKey"),
		UserWalletID:   field(body, "userWalletId"),
		Amount:         field(body, "amount"),
		Metadata:       field(body, "metadata"),
	})
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	s.writeIntentResult(w, res)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}

	res, err := s.intents.Transfer(r.Context(), execution.TransferIntent{
		IdempotencyKey: field(body, "idempotencyKey"),
		SourceWalletID: field(body, "sourceWalletId"),
		DestWalletID:   field(body, "destinationWalletId"),
		IssuanceID:     field(body, "issuanceId"),
		Amount:         field(body, "amount"),
	})
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	s.writeIntentResult(w, res)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}

	res, err := s.intents.Burn(r.Context(), execution.BurnIntent{
		IdempotencyKey: field(body, "idempotencyKey"),
		IssuerWalletID: field(body, "issuerWalletId"),
		HolderWalletID: field(body, "holderWalletId"),
		IssuanceID:     field(body, "issuanceId"),
		Amount:         field(body, "amount"),
	})
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	s.writeIntentResult(w, res)
}

// operationResponse carries the operation and, on full reads, its steps.
type operationResponse struct {
	*operation.Operation
	Steps []*operation.Step `json:"steps,omitempty"`
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	statusOnly := r.URL.Query().Get("status") == "true"

	op, steps, err := s.intents.Status(r.Context(), id, statusOnly)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{Operation: op, Steps: steps})
}

// walletResponse is the public view of a custody record. Seed material
// never appears here.
type walletResponse struct {
	WalletID string `json:"walletId"`
	Address  string `json:"address"`
	Virtual  bool   `json:"virtual,omitempty"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seed string `json:"seed"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "request body is not a JSON object")
			return
		}
	}

	seed := req.Seed
	if seed == "" {
		var err error
		seed, err = ledger.GenerateSeed()
		if err != nil {
			s.writeKindedError(w, err)
			return
		}
	}

	wallet, err := ledger.DeriveWallet(seed)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid seed: %v", err))
		return
	}

	ciphertext, nonce, err := s.vault.Seal(seed)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}

	record := &operation.Wallet{
		ID:            uuid.NewString(),
		Address:       wallet.Address,
		EncryptedSeed: ciphertext,
		SeedNonce:     nonce,
	}
	if err := s.wallets.Create(r.Context(), record); err != nil {
		s.writeKindedError(w, err)
		return
	}

	s.logger.Info("wallet created",
		zap.String("wallet_id", record.ID), zap.String("address", record.Address))
	writeJSON(w, http.StatusCreated, walletResponse{WalletID: record.ID, Address: record.Address})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if id == operation.IssuerIdentity {
		addr, err := s.issuerAddress(r)
		if err != nil {
			s.writeKindedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, walletResponse{
			WalletID: operation.IssuerIdentity, Address: addr, Virtual: true,
		})
		return
	}

	wallet, err := s.wallets.Get(r.Context(), id)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{WalletID: wallet.ID, Address: wallet.Address})
}

func (s *Server) handleFundWallet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == operation.IssuerIdentity {
		writeError(w, http.StatusBadRequest, "the issuer wallet is not fundable through the faucet")
		return
	}
	if !s.allowFaucet {
		writeError(w, http.StatusBadRequest, "this network has no faucet")
		return
	}

	wallet, err := s.wallets.Get(r.Context(), id)
	if err != nil {
		s.writeKindedError(w, err)
		return
	}
	if err := s.ledger.Fund(r.Context(), wallet.Address); err != nil {
		s.logger.Error("faucet funding failed", zap.String("wallet_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "faucet funding failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"walletId": id, "address": wallet.Address, "status": "funded"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	issuanceID := r.URL.Query().Get("issuanceId")

	var address string
	if id == operation.IssuerIdentity {
		addr, err := s.issuerAddress(r)
		if err != nil {
			s.writeKindedError(w, err)
			return
		}
		address = addr
	} else {
		wallet, err := s.wallets.Get(r.Context(), id)
		if err != nil {
			s.writeKindedError(w, err)
			return
		}
		address = wallet.Address
	}

	balance, err := s.ledger.Balance(r.Context(), address, issuanceID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "account not found on ledger")
		return
	}
	if err != nil {
		s.writeKindedError(w, err)
		return
	}

	resp := map[string]string{"walletId": id, "address": address, "balance": balance.String()}
	if issuanceID != "" {
		resp["issuanceId"] = issuanceID
	}
	writeJSON(w, http.StatusOK, resp)
}

// issuerAddress derives the virtual issuer wallet's address from the
// configured seed.
func (s *Server) issuerAddress(r *http.Request) (string, error) {
	seed, err := s.vault.FetchSeed(r.Context(), operation.IssuerIdentity)
	if err != nil {
		return "", err
	}
	wallet, err := ledger.DeriveWallet(seed)
	if err != nil {
		return "", err
	}
	return wallet.Address, nil
}
