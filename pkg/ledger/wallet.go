// Copyright 2026 Digital Platformer
//
// Wallet Derivation
// Seed generation and deterministic address derivation

package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"
	"strings"
)

// Wallet is a keyed pair able to author ledger transactions: a classic
// address and the seed it derives from.
type Wallet struct {
	Address string
	Seed    string
}

const base58Alphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

// GenerateSeed produces a fresh ed25519 family seed in the ledger's base58
// form ("sEd..." prefix).
func GenerateSeed() (string, error) {
	entropy := make([]byte, 16)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("generate seed entropy: %w", err)
	}
	return "sEd" + encodeBase58(entropy), nil
}

// DeriveWallet deterministically derives the wallet for a seed. The address
// is the base58 form of the 20-byte hash of the seed's ed25519 public key,
// carrying the ledger's "r" prefix and a 4-byte checksum.
func DeriveWallet(seed string) (*Wallet, error) {
	if seed == "" {
		return nil, fmt.Errorf("empty seed")
	}
	if !strings.HasPrefix(seed, "s") {
		return nil, fmt.Errorf("seed must carry the ledger's 's' prefix")
	}

	// Expand the printable seed into ed25519 key material.
	keySeed := sha512.Sum512([]byte(seed))
	priv := ed25519.NewKeyFromSeed(keySeed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)

	// Account id: RIPEMD-less double hash of the public key, truncated to
	// 20 bytes, matching the classic-address shape.
	first := sha256.Sum256(pub)
	second := sha256.Sum256(first[:])
	accountID := second[:20]

	payload := append([]byte{0x00}, accountID...)
	check := checksum(payload)
	return &Wallet{
		Address: "r" + encodeBase58(append(payload[1:], check...)),
		Seed:    seed,
	}, nil
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

func encodeBase58(b []byte) string {
	n := new(big.Int).SetBytes(b)
	radix := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, c := range b {
		if c != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
