// Copyright 2026 Digital Platformer
//
// HTTP Server
// Routing, CORS, access logging and error mapping for the orchestration API

// Package api is the HTTP surface: intent submission, operation status,
// wallet custody and funding, liveness and metrics. Handlers translate
// between wire JSON and the execution core; they hold no business logic.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/execution"
	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/metrics"
	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// =============================================================================
// HANDLER DEPENDENCIES
// =============================================================================

// IntentService is the slice of the execution core the handlers call.
type IntentService interface {
	Mint(ctx context.Context, in execution.MintIntent) (*execution.IntentResult, error)
	Transfer(ctx context.Context, in execution.TransferIntent) (*execution.IntentResult, error)
	Burn(ctx context.Context, in execution.BurnIntent) (*execution.IntentResult, error)
	Status(ctx context.Context, operationID string, statusOnly bool) (*operation.Operation, []*operation.Step, error)
}

// WalletStore persists custody records.
type WalletStore interface {
	Create(ctx context.Context, w *operation.Wallet) error
	Get(ctx context.Context, id string) (*operation.Wallet, error)
}

// SeedVault seals new seeds and resolves the issuer's.
type SeedVault interface {
	Seal(plaintext string) (ciphertext, nonce []byte, err error)
	FetchSeed(ctx context.Context, identityID string) (string, error)
}

// =============================================================================
// SERVER CONSTRUCTION
// =============================================================================

// Server carries the handler dependencies.
type Server struct {
	intents IntentService
	wallets WalletStore
	vault   SeedVault
	ledger  ledger.Client
	metrics *metrics.Metrics
	logger  *zap.Logger

	// allowFaucet is false on networks without a test faucet.
	allowFaucet bool
}

// Config wires a Server.
type Config struct {
	Intents     IntentService
	Wallets     WalletStore
	Vault       SeedVault
	Ledger      ledger.Client
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	AllowFaucet bool
}

// New constructs a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		intents:     cfg.Intents,
		wallets:     cfg.Wallets,
		vault:       cfg.Vault,
		ledger:      cfg.Ledger,
		metrics:     cfg.Metrics,
		logger:      logger,
		allowFaucet: cfg.AllowFaucet,
	}
}

// =============================================================================
// ROUTING AND MIDDLEWARE
// =============================================================================

// Handler builds the routed, CORS-wrapped, access-logged handler tree.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/operations/mint", s.handleMint).Methods(http.MethodPost)
	r.HandleFunc("/api/operations/transfer", s.handleTransfer).Methods(http.MethodPost)
	r.HandleFunc("/api/operations/burn", s.handleBurn).Methods(http.MethodPost)
	r.HandleFunc("/api/operations/{id}", s.handleGetOperation).Methods(http.MethodGet)

	r.HandleFunc("/api/wallets", s.handleCreateWallet).Methods(http.MethodPost)
	r.HandleFunc("/api/wallets/{id}", s.handleGetWallet).Methods(http.MethodGet)
	r.HandleFunc("/api/wallets/{id}/fund", s.handleFundWallet).Methods(http.MethodPost)
	r.HandleFunc("/api/wallets/{id}/balance", s.handleBalance).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.OptionStatusCode(http.StatusNoContent),
	)

	return s.accessLog(cors(r))
}

// accessLog emits one structured line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		s.logger.Info("http request",
			zap.String("method", p.Request.Method),
			zap.String("path", p.URL.Path),
			zap.Int("status", p.StatusCode),
			zap.Int("bytes", p.Size),
			zap.Duration("duration", time.Since(p.TimeStamp)))
	})
}

// apiError is the wire form of every handler failure.
type apiError struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

// writeKindedError maps core error kinds to HTTP statuses.
func (s *Server) writeKindedError(w http.ResponseWriter, err error) {
	switch operation.KindOf(err) {
	case operation.KindInvalidArgument:
		writeError(w, http.StatusBadRequest, err.Error())
	case operation.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
