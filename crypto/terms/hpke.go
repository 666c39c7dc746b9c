package terms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

var (
	hpkeSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)
	hpkeKEM   = hpke.KEM_X25519_HKDF_SHA256.Scheme()
	hpkeInfo  = []byte("vaultescrow/terms/v1")
)

// HPKESealer encrypts terms to a committee public key using HPKE base mode.
// Holders of the matching private key can open them.
type HPKESealer struct {
	pub  kem.PublicKey
	priv kem.PrivateKey
}

// GenerateHPKEKeyPair returns a fresh key pair in binary form.
func GenerateHPKEKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := hpkeKEM.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// NewHPKESealer builds a sealer from a binary public key and an optional
// binary private key. Without a private key the sealer can only encrypt.
func NewHPKESealer(pub, priv []byte) (*HPKESealer, error) {
	s := &HPKESealer{}
	if len(pub) > 0 {
		pk, err := hpkeKEM.UnmarshalBinaryPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("terms: hpke public key: %w", err)
		}
		s.pub = pk
	}
	if len(priv) > 0 {
		sk, err := hpkeKEM.UnmarshalBinaryPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("terms: hpke private key: %w", err)
		}
		s.priv = sk
		if s.pub == nil {
			s.pub = sk.Public()
		}
	}
	if s.pub == nil {
		return nil, errors.New("terms: hpke sealer needs a key")
	}
	return s, nil
}

// NewHPKESealerHex is NewHPKESealer for hex encoded keys.
func NewHPKESealerHex(pub, priv string) (*HPKESealer, error) {
	pubBytes, err := decodeHexKey(pub)
	if err != nil {
		return nil, err
	}
	privBytes, err := decodeHexKey(priv)
	if err != nil {
		return nil, err
	}
	return NewHPKESealer(pubBytes, privBytes)
}

func decodeHexKey(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("terms: decode key: %w", err)
	}
	return b, nil
}

// Encrypt implements Encrypter. The ciphertext is the KEM encapsulation
// followed by the AEAD output.
func (s *HPKESealer) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sender, err := hpkeSuite.NewSender(s.pub, hpkeInfo)
	if err != nil {
		return nil, err
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, err
	}
	ct, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(enc, ct...), nil
}

// Decrypt implements Decrypter.
func (s *HPKESealer) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.priv == nil {
		return nil, ErrNoDecrypter
	}
	encSize := hpkeKEM.CiphertextSize()
	if len(ciphertext) <= encSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformed)
	}
	receiver, err := hpkeSuite.NewReceiver(s.priv, hpkeInfo)
	if err != nil {
		return nil, err
	}
	opener, err := receiver.Setup(ciphertext[:encSize])
	if err != nil {
		return nil, err
	}
	return opener.Open(ciphertext[encSize:], nil)
}

// CanDecrypt reports whether the sealer holds the private key.
func (s *HPKESealer) CanDecrypt() bool { return s != nil && s.priv != nil }
