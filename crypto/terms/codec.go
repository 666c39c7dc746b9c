// Package terms seals confidential escrow terms before they are committed to
// the ledger and derives the public condition commitment.
package terms

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"
)

// Mode labels how a sealed payload was produced.
type Mode uint8

const (
	// ModeEncrypted means the payload is ciphertext from the confidentiality
	// service.
	ModeEncrypted Mode = 1
	// ModePlaintextFallback means the service was unavailable and the payload
	// is the plain ABI encoding of the terms.
	ModePlaintextFallback Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeEncrypted:
		return "encrypted"
	case ModePlaintextFallback:
		return "plaintext-fallback"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

var (
	ErrInvalidAmount  = errors.New("terms: amount must be a non-negative 256-bit integer")
	ErrMalformed      = errors.New("terms: malformed sealed payload")
	ErrNoDecrypter    = errors.New("terms: no decrypter configured for encrypted payload")
	errEmptyEncrypted = errors.New("terms: encrypter returned an empty ciphertext")
)

// Encrypter is the confidentiality service that hides terms until an external
// decryption trigger fires.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
}

// Decrypter reverses Encrypter for holders of the decryption key.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Sealed is the tagged result of sealing terms. Digest is a blake3 fingerprint
// of the wire form that lets parties reference the payload without the bytes.
type Sealed struct {
	Mode    Mode
	Payload []byte
	Digest  [32]byte
}

// Confidential reports whether the payload is real ciphertext.
func (s Sealed) Confidential() bool { return s.Mode == ModeEncrypted }

// Bytes returns the wire form: one mode byte followed by the payload. This is
// what gets stored as the escrow's encrypted terms.
func (s Sealed) Bytes() []byte {
	out := make([]byte, 1+len(s.Payload))
	out[0] = byte(s.Mode)
	copy(out[1:], s.Payload)
	return out
}

// Hex returns the 0x-prefixed wire form.
func (s Sealed) Hex() string { return "0x" + hex.EncodeToString(s.Bytes()) }

// ParseSealed decodes the wire form produced by Bytes.
func ParseSealed(b []byte) (Sealed, error) {
	if len(b) < 2 {
		return Sealed{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	mode := Mode(b[0])
	if mode != ModeEncrypted && mode != ModePlaintextFallback {
		return Sealed{}, fmt.Errorf("%w: unknown mode %d", ErrMalformed, b[0])
	}
	return newSealed(mode, append([]byte(nil), b[1:]...)), nil
}

// ParseSealedHex decodes a hex wire form with or without the 0x prefix.
func ParseSealedHex(raw string) (Sealed, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ParseSealed(b)
}

func newSealed(mode Mode, payload []byte) Sealed {
	s := Sealed{Mode: mode, Payload: payload}
	s.Digest = blake3.Sum256(s.Bytes())
	return s
}

// Codec seals and opens escrow terms.
type Codec struct {
	enc    Encrypter
	dec    Decrypter
	logger *slog.Logger
}

// NewCodec returns a codec that encrypts with enc and opens with dec. Either
// may be nil: a nil encrypter always yields the plaintext fallback.
func NewCodec(enc Encrypter, dec Decrypter, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{enc: enc, dec: dec, logger: logger}
}

// EncryptTerms encodes amount and seals it. When the confidentiality service is
// missing or fails the result is a labelled plaintext fallback, never an
// error; only invalid amounts are rejected.
func (c *Codec) EncryptTerms(ctx context.Context, amount *big.Int) (Sealed, error) {
	encoded, err := EncodeAmount(amount)
	if err != nil {
		return Sealed{}, err
	}
	if c == nil || c.enc == nil {
		return newSealed(ModePlaintextFallback, encoded), nil
	}
	ciphertext, err := c.enc.Encrypt(ctx, encoded)
	if err == nil && len(ciphertext) == 0 {
		err = errEmptyEncrypted
	}
	if err != nil {
		c.logger.Warn("confidentiality service unavailable, sealing terms in plaintext", slog.Any("error", err))
		return newSealed(ModePlaintextFallback, encoded), nil
	}
	return newSealed(ModeEncrypted, ciphertext), nil
}

// DecodeTerms recovers the amount from a sealed payload.
func (c *Codec) DecodeTerms(ctx context.Context, sealed Sealed) (*big.Int, error) {
	switch sealed.Mode {
	case ModePlaintextFallback:
		return DecodeAmount(sealed.Payload)
	case ModeEncrypted:
		if c == nil || c.dec == nil {
			return nil, ErrNoDecrypter
		}
		plaintext, err := c.dec.Decrypt(ctx, sealed.Payload)
		if err != nil {
			return nil, fmt.Errorf("terms: decrypt: %w", err)
		}
		return DecodeAmount(plaintext)
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrMalformed, sealed.Mode)
	}
}

var amountArguments = func() abi.Arguments {
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Name: "amount", Type: uint256Type}}
}()

// EncodeAmount returns the 32 byte ABI encoding of amount as uint256.
func EncodeAmount(amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return nil, ErrInvalidAmount
	}
	return amountArguments.Pack(amount)
}

// DecodeAmount parses a 32 byte ABI uint256 encoding.
func DecodeAmount(data []byte) (*big.Int, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("%w: expected 32 byte uint256, got %d", ErrMalformed, len(data))
	}
	values, err := amountArguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected value %T", ErrMalformed, values[0])
	}
	return amount, nil
}

// HashCondition returns the keccak256 commitment to the UTF-8 condition text.
func HashCondition(text string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(text))
}
