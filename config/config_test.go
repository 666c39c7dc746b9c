package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"vaultescrow/crypto"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultd.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.OperatorKeystorePath != filepath.Join(dir, "operator.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.OperatorKeystorePath)
	}
	if cfg.Indexer.Path != filepath.Join(DefaultDataDir, "events.db") {
		t.Fatalf("unexpected indexer path %q", cfg.Indexer.Path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be persisted: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.OperatorKeystorePath != cfg.OperatorKeystorePath {
		t.Fatalf("reloaded keystore path %q != %q", reloaded.OperatorKeystorePath, cfg.OperatorKeystorePath)
	}
}

func TestLoadParsesLedgerSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultd.toml")
	contents := `ListenAddress = "127.0.0.1:9100"
DataDir = "` + filepath.ToSlash(dir) + `"
AllowedOrigins = ["https://app.vault.test"]

[ledger]
MinimumFeeWei = "1000"
FeeTreasury = "0x00000000000000000000000000000000000000fe"
Attestor = "0x00000000000000000000000000000000000000a7"
AttestorMinConfidence = 80

[auth]
SignatureSkewSeconds = 60
PersistNonces = true

[auth.operator]
Enabled = true
Issuer = "vault-ops"

[indexer]
StreamBuffer = 8
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9100" || len(cfg.AllowedOrigins) != 1 {
		t.Fatalf("unexpected top-level settings: %+v", cfg)
	}
	if !cfg.Auth.PersistNonces || !cfg.Auth.Operator.Enabled || cfg.Auth.Operator.HMACSecretEnv != DefaultJWTSecretEnv {
		t.Fatalf("unexpected auth settings: %+v", cfg.Auth)
	}
	if cfg.SignatureSkew().Seconds() != 60 || cfg.NonceTTL().Seconds() != defaultNonceTTLSeconds {
		t.Fatalf("unexpected windows: skew=%s ttl=%s", cfg.SignatureSkew(), cfg.NonceTTL())
	}
	if cfg.Indexer.StreamBuffer != 8 || cfg.Indexer.Path != filepath.Join(filepath.ToSlash(dir), "events.db") {
		t.Fatalf("unexpected indexer settings: %+v", cfg.Indexer)
	}

	operator := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	settings, err := cfg.LedgerSettings(operator)
	if err != nil {
		t.Fatalf("ledger settings: %v", err)
	}
	if settings.MinimumFee.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected fee %s", settings.MinimumFee)
	}
	if settings.FeeTreasury != common.HexToAddress("0x00000000000000000000000000000000000000fe") {
		t.Fatalf("unexpected treasury %s", settings.FeeTreasury.Hex())
	}
	if settings.Decryptor != operator {
		t.Fatalf("expected decryptor to default to operator, got %s", settings.Decryptor.Hex())
	}
	if settings.Attestor != common.HexToAddress("0x00000000000000000000000000000000000000a7") || settings.AttestorMinConfidence != 80 {
		t.Fatalf("unexpected attestor settings: %+v", settings)
	}
	if settings.ID != operator.Hex() {
		t.Fatalf("expected ledger id to default to operator, got %q", settings.ID)
	}

	cfg.Ledger.ID = " vault-eu-1 "
	settings, err = cfg.LedgerSettings(operator)
	if err != nil {
		t.Fatalf("ledger settings: %v", err)
	}
	if settings.ID != "vault-eu-1" {
		t.Fatalf("unexpected ledger id %q", settings.ID)
	}
}

func TestLoadRejectsRawOperatorKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultd.toml")
	if err := os.WriteFile(path, []byte("OperatorKey = \"deadbeef\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "OperatorKey") {
		t.Fatalf("expected raw key rejection, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"skew too wide", func(c *Config) { c.Auth.SignatureSkewSeconds = 900; c.Auth.NonceTTLSeconds = 900 }, "SignatureSkewSeconds"},
		{"nonce ttl short", func(c *Config) { c.Auth.NonceTTLSeconds = 30 }, "NonceTTLSeconds"},
		{"confidence range", func(c *Config) {
			c.Ledger.Attestor = "0x00000000000000000000000000000000000000a7"
			c.Ledger.AttestorMinConfidence = 101
		}, "> 100"},
		{"confidence without attestor", func(c *Config) { c.Ledger.AttestorMinConfidence = 50 }, "without Attestor"},
		{"bad fee", func(c *Config) { c.Ledger.MinimumFeeWei = "-1" }, "MinimumFeeWei"},
		{"bad treasury", func(c *Config) { c.Ledger.FeeTreasury = "treasury.eth" }, "FeeTreasury"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults("vaultd.toml")
			tc.mutate(cfg)
			err := ValidateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestOperatorKeyBootstrapsKeystore(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{OperatorKeystorePath: filepath.Join(dir, "operator.keystore")}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := crypto.SaveToKeystoreWith(cfg.OperatorKeystorePath, key, "pw", crypto.ScryptLight); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, created, err := cfg.OperatorKey("pw")
	if err != nil {
		t.Fatalf("operator key: %v", err)
	}
	if created || loaded.Address() != key.Address() {
		t.Fatalf("expected existing key to be loaded, created=%v addr=%s", created, loaded.Address().Hex())
	}
	if _, _, err := cfg.OperatorKey("wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
