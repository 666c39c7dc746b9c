package paygate

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultFacilitatorURL = "https://facilitator.dirtroad.dev"
	DefaultAsset          = "0x61a26022927096f444994dA1e53F0FD9487EAfcf"
	DefaultChainID        = "103698795"
	DefaultPrice          = "10000"
	DefaultAssetName      = "Axios USD"
	DefaultAssetVersion   = "1"
	DefaultDescription    = "AI-powered escrow condition verification via VaultAgent"
	DefaultMaxTimeout     = 60 * time.Second
)

const (
	envReceivingAddress = "RECEIVING_ADDRESS"
	envFacilitatorURL   = "FACILITATOR_URL"
	envPaymentToken     = "PAYMENT_TOKEN_ADDRESS"
	envChainID          = "CHAIN_ID"
	envPublicChainID    = "NEXT_PUBLIC_CHAIN_ID"
)

// Config describes the x402 payment requirement advertised in front of a
// paid endpoint. The gate is enabled only when PayTo is set.
type Config struct {
	PayTo            string        `yaml:"pay_to"`
	FacilitatorURL   string        `yaml:"facilitator_url"`
	Asset            string        `yaml:"asset"`
	ChainID          string        `yaml:"chain_id"`
	Price            string        `yaml:"price"`
	AssetName        string        `yaml:"asset_name"`
	AssetVersion     string        `yaml:"asset_version"`
	Description      string        `yaml:"description"`
	MaxTimeout       time.Duration `yaml:"-"`
	MaxTimeoutSec    int           `yaml:"max_timeout_seconds"`
	SettlementDBPath string        `yaml:"settlement_db"`
}

// Enabled reports whether payment is required.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.PayTo) != ""
}

// Network returns the CAIP-2 identifier of the settlement chain.
func (c Config) Network() string {
	return "eip155:" + c.ChainID
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	c.PayTo = strings.TrimSpace(c.PayTo)
	if strings.TrimSpace(c.FacilitatorURL) == "" {
		c.FacilitatorURL = DefaultFacilitatorURL
	}
	c.FacilitatorURL = strings.TrimRight(strings.TrimSpace(c.FacilitatorURL), "/")
	if strings.TrimSpace(c.Asset) == "" {
		c.Asset = DefaultAsset
	}
	if strings.TrimSpace(c.ChainID) == "" {
		c.ChainID = DefaultChainID
	}
	if strings.TrimSpace(c.Price) == "" {
		c.Price = DefaultPrice
	}
	if c.AssetName == "" {
		c.AssetName = DefaultAssetName
	}
	if c.AssetVersion == "" {
		c.AssetVersion = DefaultAssetVersion
	}
	if c.Description == "" {
		c.Description = DefaultDescription
	}
	if c.MaxTimeoutSec > 0 {
		c.MaxTimeout = time.Duration(c.MaxTimeoutSec) * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	return c
}

// ApplyEnv overrides fields from the environment using the variable names
// shared with the rest of the deployment. A nil getenv reads the process
// environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(envReceivingAddress)); v != "" {
		c.PayTo = v
	}
	if v := strings.TrimSpace(getenv(envFacilitatorURL)); v != "" {
		c.FacilitatorURL = v
	}
	if v := strings.TrimSpace(getenv(envPaymentToken)); v != "" {
		c.Asset = v
	}
	if v := strings.TrimSpace(getenv(envChainID)); v != "" {
		c.ChainID = v
	} else if v := strings.TrimSpace(getenv(envPublicChainID)); v != "" {
		c.ChainID = v
	}
}

// Validate checks an enabled configuration. A disabled configuration is
// always valid.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("paygate: payTo %q is not an address", c.PayTo)
	}
	if !common.IsHexAddress(c.Asset) {
		return fmt.Errorf("paygate: asset %q is not an address", c.Asset)
	}
	if _, ok := new(big.Int).SetString(c.ChainID, 10); !ok {
		return fmt.Errorf("paygate: chain id %q is not numeric", c.ChainID)
	}
	price, ok := new(big.Int).SetString(c.Price, 10)
	if !ok || price.Sign() <= 0 {
		return fmt.Errorf("paygate: price %q must be a positive integer", c.Price)
	}
	u, err := url.Parse(c.FacilitatorURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("paygate: invalid facilitator url %q", c.FacilitatorURL)
	}
	return nil
}
