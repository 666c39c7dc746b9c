package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseAddress decodes a 0x-prefixed hex address. Unlike common.HexToAddress
// it rejects malformed input instead of silently truncating it.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address returns the account address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return k.PubKey().Address()
}

func (k *PublicKey) Address() common.Address {
	return crypto.PubkeyToAddress(*k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded secp256k1 key with or without the 0x
// prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return PrivateKeyFromBytes(b)
}
