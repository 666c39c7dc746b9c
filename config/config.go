package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"vaultescrow/crypto"
)

const (
	DefaultListenAddress   = ":8090"
	DefaultDataDir         = "./vault-data"
	DefaultPassphraseEnv   = "VAULT_KEYSTORE_PASSPHRASE"
	DefaultJWTSecretEnv    = "VAULT_OPERATOR_JWT_SECRET"
	defaultKeystoreName    = "operator.keystore"
	defaultIndexerName     = "events.db"
	defaultLedgerDBName    = "ledger"
	defaultNonceDBName     = "nonces"
	defaultStreamBuffer    = 64
	defaultSkewSeconds     = 120
	defaultNonceTTLSeconds = 600
)

type Config struct {
	ListenAddress         string   `toml:"ListenAddress"`
	DataDir               string   `toml:"DataDir"`
	OperatorKeystorePath  string   `toml:"OperatorKeystorePath"`
	KeystorePassphraseEnv string   `toml:"KeystorePassphraseEnv"`
	AllowedOrigins        []string `toml:"AllowedOrigins"`
	Ledger                Ledger   `toml:"ledger"`
	Auth                  Auth     `toml:"auth"`
	Indexer               Indexer  `toml:"indexer"`
	Log                   Log      `toml:"log"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default configuration written to path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "OperatorKey" {
			return nil, fmt.Errorf("config file %s stores a raw OperatorKey; move it into a keystore", path)
		}
	}
	cfg.applyDefaults(path)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OperatorKey unlocks the operator keystore, creating it on first run.
func (c *Config) OperatorKey(passphrase string) (*crypto.PrivateKey, bool, error) {
	if strings.TrimSpace(c.OperatorKeystorePath) == "" {
		return nil, false, errors.New("config: operator keystore path not set")
	}
	return crypto.LoadOrCreateKeystore(c.OperatorKeystorePath, passphrase, crypto.ScryptStandard)
}

// LedgerDBPath is the LevelDB directory holding escrow state.
func (c *Config) LedgerDBPath() string { return filepath.Join(c.DataDir, defaultLedgerDBName) }

// NonceDBPath is the LevelDB directory holding persisted request nonces.
func (c *Config) NonceDBPath() string { return filepath.Join(c.DataDir, defaultNonceDBName) }

func (c *Config) applyDefaults(configPath string) {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(c.OperatorKeystorePath) == "" {
		c.OperatorKeystorePath = defaultKeystorePath(configPath)
	}
	if strings.TrimSpace(c.KeystorePassphraseEnv) == "" {
		c.KeystorePassphraseEnv = DefaultPassphraseEnv
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{}
	}
	if c.Auth.SignatureSkewSeconds <= 0 {
		c.Auth.SignatureSkewSeconds = defaultSkewSeconds
	}
	if c.Auth.NonceTTLSeconds <= 0 {
		c.Auth.NonceTTLSeconds = defaultNonceTTLSeconds
	}
	if strings.TrimSpace(c.Auth.Operator.HMACSecretEnv) == "" {
		c.Auth.Operator.HMACSecretEnv = DefaultJWTSecretEnv
	}
	if strings.TrimSpace(c.Indexer.Path) == "" {
		c.Indexer.Path = filepath.Join(c.DataDir, defaultIndexerName)
	}
	if c.Indexer.StreamBuffer <= 0 {
		c.Indexer.StreamBuffer = defaultStreamBuffer
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: DefaultListenAddress,
		DataDir:       DefaultDataDir,
	}
	cfg.applyDefaults(path)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, defaultKeystoreName)
}
