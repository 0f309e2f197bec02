// Copyright 2026 Digital Platformer
//
// Service Configuration
// Environment-first settings with an optional YAML overlay and validation

// Package config loads process configuration. The environment is the source
// of truth; an optional YAML overlay (ORCHESTRATOR_CONFIG) fills values the
// environment leaves unset. Missing issuer credentials or a malformed master
// key are fatal at boot.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

// Network selects which settlement ledger deployment the process talks to.
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkDevnet  Network = "devnet"
	NetworkMainnet Network = "mainnet"
)

// Config is the full process configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	// MasterKey is the 32-byte AES-256-GCM key protecting stored seeds.
	MasterKey []byte `yaml:"-"`

	// IssuerSeed is the settlement-ledger seed for the issuer identity.
	// Held only in memory; never persisted.
	IssuerSeed string `yaml:"-"`

	Network Network `yaml:"ledger_network"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	SecretCacheTTL time.Duration `yaml:"secret_cache_ttl"`

	// Inline validation wait per step.
	ValidationTimeout time.Duration `yaml:"validation_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`

	// Background poller sweep cadence and batch size.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`

	LogLevel string `yaml:"log_level"`
}

// fileConfig mirrors the YAML overlay. Secrets are environment-only.
type fileConfig struct {
	DatabaseURL       string `yaml:"database_url"`
	LedgerNetwork     string `yaml:"ledger_network"`
	ListenAddr        string `yaml:"listen_addr"`
	SecretCacheTTLMS  int64  `yaml:"secret_cache_ttl_ms"`
	ValidationTimeout string `yaml:"validation_timeout"`
	PollInterval      string `yaml:"poll_interval"`
	SweepInterval     string `yaml:"sweep_interval"`
	SweepBatch        int    `yaml:"sweep_batch"`
	LogLevel          string `yaml:"log_level"`
}

// Load reads configuration from the environment and the optional overlay.
func Load() (*Config, error) {
	cfg := &Config{
		Network:           NetworkTestnet,
		ListenAddr:        ":8080",
		SecretCacheTTL:    time.Hour,
		ValidationTimeout: 15 * time.Second,
		PollInterval:      2 * time.Second,
		SweepInterval:     30 * time.Second,
		SweepBatch:        10,
		LogLevel:          "info",
	}

	if path := os.Getenv("ORCHESTRATOR_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LEDGER_NETWORK"); v != "" {
		cfg.Network = Network(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SECRET_CACHE_TTL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, operation.E(operation.KindConfiguration, "SECRET_CACHE_TTL_MS %q is not an integer", v)
		}
		cfg.SecretCacheTTL = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("VALIDATION_TIMEOUT_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, operation.E(operation.KindConfiguration, "VALIDATION_TIMEOUT_MS %q is not an integer", v)
		}
		cfg.ValidationTimeout = time.Duration(ms) * time.Millisecond
	}

	cfg.IssuerSeed = os.Getenv("ISSUER_SEED")

	if keyHex := os.Getenv("ENCRYPTION_MASTER_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, operation.E(operation.KindConfiguration, "ENCRYPTION_MASTER_KEY is not valid hex")
		}
		cfg.MasterKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return operation.Wrap(operation.KindConfiguration, err, "read config overlay %s", path)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return operation.Wrap(operation.KindConfiguration, err, "parse config overlay %s", path)
	}

	if fc.DatabaseURL != "" {
		c.DatabaseURL = fc.DatabaseURL
	}
	if fc.LedgerNetwork != "" {
		c.Network = Network(fc.LedgerNetwork)
	}
	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.SecretCacheTTLMS > 0 {
		c.SecretCacheTTL = time.Duration(fc.SecretCacheTTLMS) * time.Millisecond
	}
	if fc.SweepBatch > 0 {
		c.SweepBatch = fc.SweepBatch
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.ValidationTimeout, &c.ValidationTimeout},
		{fc.PollInterval, &c.PollInterval},
		{fc.SweepInterval, &c.SweepInterval},
	} {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return operation.Wrap(operation.KindConfiguration, err, "parse duration %q in %s", d.raw, path)
		}
		*d.dst = dur
	}

	return nil
}

// Validate checks the invariants the rest of the process assumes.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return operation.E(operation.KindConfiguration, "DATABASE_URL is required")
	}
	if len(c.MasterKey) != 32 {
		return operation.E(operation.KindConfiguration,
			"ENCRYPTION_MASTER_KEY must be 64 hex chars (32 bytes), got %d bytes", len(c.MasterKey))
	}
	if c.IssuerSeed == "" {
		return operation.E(operation.KindConfiguration, "ISSUER_SEED is required")
	}
	switch c.Network {
	case NetworkTestnet, NetworkDevnet, NetworkMainnet:
	default:
		return operation.E(operation.KindConfiguration, "LEDGER_NETWORK must be testnet, devnet or mainnet, got %q", c.Network)
	}
	return nil
}

// RPCEndpoint returns the JSON-RPC endpoint for the configured network.
func (c *Config) RPCEndpoint() string {
	switch c.Network {
	case NetworkMainnet:
		return "https://s1.ripple.com:51234"
	case NetworkDevnet:
		return "https://s.devnet.rippletest.net:51234"
	default:
		return "https://s.altnet.rippletest.net:51234"
	}
}

// FaucetEndpoint returns the test-network faucet, or an error on mainnet.
func (c *Config) FaucetEndpoint() (string, error) {
	switch c.Network {
	case NetworkDevnet:
		return "https://faucet.devnet.rippletest.net/accounts", nil
	case NetworkTestnet:
		return "https://faucet.altnet.rippletest.net/accounts", nil
	default:
		return "", fmt.Errorf("no faucet on %s", c.Network)
	}
}
