// Copyright 2026 Digital Platformer
//
// Seed Vault
// AES-256-GCM sealed seed storage with a bounded TTL cache

// Package vault is the credential store: sealed seed material for user
// wallets and mediated access to the process-configured issuer seed.
// Plaintext seeds never cross this package's boundary except as the return
// value of FetchSeed, and the issuer seed is never persisted anywhere.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/operation"
)

const nonceSize = 12

// WalletStore is the slice of the durable store the vault needs.
type WalletStore interface {
	Get(ctx context.Context, id string) (*operation.Wallet, error)
	UpdateSeed(ctx context.Context, id string, encryptedSeed, nonce []byte) error
}

// Vault holds the master key, the issuer seed, and a bounded TTL cache of
// decrypted user seeds.
type Vault struct {
	masterKey  []byte
	issuerSeed string
	store      WalletStore
	ttl        time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

type cacheEntry struct {
	seed      string
	expiresAt time.Time
}

// Config configures a Vault.
type Config struct {
	MasterKey  []byte
	IssuerSeed string
	Store      WalletStore
	TTL        time.Duration
	// SweepInterval clears stale cache entries; defaults to one minute.
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// New constructs a Vault and starts its cache sweep.
func New(cfg Config) (*Vault, error) {
	if len(cfg.MasterKey) != 32 {
		return nil, operation.E(operation.KindConfiguration, "master key must be 32 bytes, got %d", len(cfg.MasterKey))
	}
	if cfg.IssuerSeed == "" {
		return nil, operation.E(operation.KindConfiguration, "issuer seed is not configured")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}

	v := &Vault{
		masterKey:  cfg.MasterKey,
		issuerSeed: cfg.IssuerSeed,
		store:      cfg.Store,
		ttl:        ttl,
		logger:     cfg.Logger,
		cache:      make(map[string]cacheEntry),
		stopCh:     make(chan struct{}),
	}

	go v.sweepLoop(sweep)
	return v, nil
}

// Close stops the cache sweep.
func (v *Vault) Close() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

// FetchSeed returns the plaintext seed for an identity. The issuer identity
// is answered from configuration without touching storage or cache.
func (v *Vault) FetchSeed(ctx context.Context, identityID string) (string, error) {
	if identityID == operation.IssuerIdentity {
		return v.issuerSeed, nil
	}

	v.mu.Lock()
	if e, ok := v.cache[identityID]; ok && time.Now().Before(e.expiresAt) {
		v.mu.Unlock()
		return e.seed, nil
	}
	v.mu.Unlock()

	w, err := v.store.Get(ctx, identityID)
	if err != nil {
		return "", err
	}

	seed, err := v.open(w.EncryptedSeed, w.SeedNonce)
	if err != nil {
		return "", operation.Wrap(operation.KindIntegrity, err, "decrypt seed for %s", identityID)
	}

	v.mu.Lock()
	v.cache[identityID] = cacheEntry{seed: seed, expiresAt: time.Now().Add(v.ttl)}
	v.mu.Unlock()

	return seed, nil
}

// StoreSeed seals a plaintext seed under a fresh nonce and writes it to the
// wallet record. Storing under the reserved issuer identity is rejected.
func (v *Vault) StoreSeed(ctx context.Context, identityID, seed string) error {
	if identityID == operation.IssuerIdentity {
		return operation.E(operation.KindInvalidArgument, "cannot store seed for the reserved identity %q", operation.IssuerIdentity)
	}

	ciphertext, nonce, err := v.Seal(seed)
	if err != nil {
		return err
	}
	if err := v.store.UpdateSeed(ctx, identityID, ciphertext, nonce); err != nil {
		return err
	}

	v.mu.Lock()
	v.cache[identityID] = cacheEntry{seed: seed, expiresAt: time.Now().Add(v.ttl)}
	v.mu.Unlock()
	return nil
}

// Seal encrypts a plaintext seed with AES-256-GCM under the master key and
// a fresh 12-byte nonce. The returned ciphertext carries the auth tag.
func (v *Vault) Seal(plaintext string) (ciphertext, nonce []byte, err error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, []byte(plaintext), nil), nonce, nil
}

// open decrypts and authenticates sealed seed material.
func (v *Vault) open(ciphertext, nonce []byte) (string, error) {
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("stored nonce has %d bytes, want %d", len(nonce), nonceSize)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// Clear evicts one identity from the cache. Storage is untouched.
func (v *Vault) Clear(identityID string) {
	v.mu.Lock()
	delete(v.cache, identityID)
	v.mu.Unlock()
}

// ClearAll evicts the whole cache. Storage is untouched.
func (v *Vault) ClearAll() {
	v.mu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.mu.Unlock()
}

// CachedCount reports the number of live cache entries, for tests.
func (v *Vault) CachedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}

func (v *Vault) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			v.mu.Lock()
			for id, e := range v.cache {
				if now.After(e.expiresAt) {
					delete(v.cache, id)
				}
			}
			v.mu.Unlock()
		}
	}
}
