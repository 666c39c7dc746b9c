package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerSettings is the parsed ledger policy.
type LedgerSettings struct {
	ID                    string
	MinimumFee            *big.Int
	FeeTreasury           common.Address
	Decryptor             common.Address
	Attestor              common.Address
	AttestorMinConfidence uint8
}

// LedgerSettings parses the ledger section. Empty treasury and decryptor
// fall back to operator. A nil MinimumFee means the protocol default.
func (c *Config) LedgerSettings(operator common.Address) (LedgerSettings, error) {
	settings := LedgerSettings{
		ID:                    strings.TrimSpace(c.Ledger.ID),
		FeeTreasury:           operator,
		Decryptor:             operator,
		AttestorMinConfidence: c.Ledger.AttestorMinConfidence,
	}
	if strings.TrimSpace(c.Ledger.MinimumFeeWei) != "" {
		fee, err := parseUintAmount(c.Ledger.MinimumFeeWei)
		if err != nil {
			return settings, fmt.Errorf("invalid ledger.MinimumFeeWei: %w", err)
		}
		settings.MinimumFee = fee
	}
	if settings.ID == "" {
		settings.ID = operator.Hex()
	}
	var err error
	if settings.FeeTreasury, err = optionalAddress(c.Ledger.FeeTreasury, operator); err != nil {
		return settings, fmt.Errorf("invalid ledger.FeeTreasury: %w", err)
	}
	if settings.Decryptor, err = optionalAddress(c.Ledger.Decryptor, operator); err != nil {
		return settings, fmt.Errorf("invalid ledger.Decryptor: %w", err)
	}
	if settings.Attestor, err = optionalAddress(c.Ledger.Attestor, common.Address{}); err != nil {
		return settings, fmt.Errorf("invalid ledger.Attestor: %w", err)
	}
	return settings, nil
}

// SignatureSkew is the accepted clock drift for signed requests.
func (c *Config) SignatureSkew() time.Duration {
	return time.Duration(c.Auth.SignatureSkewSeconds) * time.Second
}

// NonceTTL is how long a request nonce stays reserved.
func (c *Config) NonceTTL() time.Duration {
	return time.Duration(c.Auth.NonceTTLSeconds) * time.Second
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}

func optionalAddress(raw string, fallback common.Address) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}
