package config

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var MaxSignatureSkewSeconds = int64(300)

func ValidateConfig(c *Config) error {
	if c.Auth.SignatureSkewSeconds > MaxSignatureSkewSeconds {
		return fmt.Errorf("auth: SignatureSkewSeconds exceeds %d", MaxSignatureSkewSeconds)
	}
	if c.Auth.NonceTTLSeconds < c.Auth.SignatureSkewSeconds {
		return fmt.Errorf("auth: NonceTTLSeconds shorter than SignatureSkewSeconds")
	}
	if c.Ledger.AttestorMinConfidence > 100 {
		return fmt.Errorf("ledger: AttestorMinConfidence > 100")
	}
	if c.Ledger.AttestorMinConfidence > 0 && c.Ledger.Attestor == "" {
		return fmt.Errorf("ledger: AttestorMinConfidence set without Attestor")
	}
	if _, err := c.LedgerSettings(common.Address{}); err != nil {
		return err
	}
	return nil
}
