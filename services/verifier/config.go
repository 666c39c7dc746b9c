package verifier

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vaultescrow/services/paygate"
)

const (
	DefaultListenAddress = ":3001"
	DefaultServiceName   = "VaultAgent AI Verifier"

	envAPIKey       = "VERIFIER_API_KEY"
	envAnthropicKey = "ANTHROPIC_API_KEY"
	envAgentPort    = "AGENT_PORT"
	envSignerKey    = "VERIFIER_SIGNER_KEY"
)

// Config captures the runtime options for verifierd.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	ServiceName    string          `yaml:"service_name"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	Backend        BackendConfig   `yaml:"backend"`
	Audit          AuditConfig     `yaml:"audit"`
	Attestation    AttestConfig    `yaml:"attestation"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Payment        paygate.Config  `yaml:"payment"`
	Log            LogConfig       `yaml:"log"`
}

// BackendConfig selects the reasoning backend.
type BackendConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Model             string        `yaml:"model"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"-"`
	TimeoutSec        int           `yaml:"timeout_seconds"`
	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutSec int           `yaml:"request_timeout_seconds"`
}

// AuditConfig selects the verdict audit database.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AttestConfig enables signed verdicts. The key is a hex secp256k1 key given
// inline, through an environment variable or in a file.
type AttestConfig struct {
	SignerKey     string `yaml:"signer_key"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
	SignerKeyFile string `yaml:"signer_key_file"`
}

// RateLimitConfig bounds verification calls per client.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads configuration from path, when given, then applies
// environment overrides and defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ListenAddress: DefaultListenAddress,
		ServiceName:   DefaultServiceName,
		Backend: BackendConfig{
			APIKeyEnv:         envAPIKey,
			TimeoutSec:        60,
			RequestTimeoutSec: 90,
		},
		Audit:     AuditConfig{Driver: "sqlite", DSN: "verifier-audit.db"},
		RateLimit: RateLimitConfig{RatePerSecond: 2, Burst: 10},
	}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return cfg.resolve(os.Getenv)
}

func (cfg Config) resolve(getenv func(string) string) (Config, error) {
	if port := strings.TrimSpace(getenv(envAgentPort)); port != "" {
		cfg.ListenAddress = ":" + port
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = DefaultServiceName
	}

	cfg.Backend.APIKey = strings.TrimSpace(cfg.Backend.APIKey)
	if cfg.Backend.APIKey == "" {
		for _, name := range []string{cfg.Backend.APIKeyEnv, envAPIKey, envAnthropicKey} {
			if name == "" {
				continue
			}
			if v := strings.TrimSpace(getenv(name)); v != "" {
				cfg.Backend.APIKey = v
				break
			}
		}
	}
	if cfg.Backend.APIKey == "" {
		return Config{}, errors.New("backend api key required (set " + envAPIKey + ")")
	}
	if cfg.Backend.TimeoutSec <= 0 {
		cfg.Backend.TimeoutSec = 60
	}
	cfg.Backend.Timeout = time.Duration(cfg.Backend.TimeoutSec) * time.Second
	if cfg.Backend.RequestTimeoutSec <= 0 {
		cfg.Backend.RequestTimeoutSec = 90
	}
	cfg.Backend.RequestTimeout = time.Duration(cfg.Backend.RequestTimeoutSec) * time.Second

	a := &cfg.Attestation
	a.SignerKey = strings.TrimSpace(a.SignerKey)
	if a.SignerKey == "" {
		switch {
		case strings.TrimSpace(a.SignerKeyEnv) != "":
			a.SignerKey = strings.TrimSpace(getenv(a.SignerKeyEnv))
			if a.SignerKey == "" {
				return Config{}, fmt.Errorf("signer_key_env %s is empty", a.SignerKeyEnv)
			}
		case strings.TrimSpace(a.SignerKeyFile) != "":
			contents, err := os.ReadFile(a.SignerKeyFile)
			if err != nil {
				return Config{}, fmt.Errorf("read signer_key_file: %w", err)
			}
			a.SignerKey = strings.TrimSpace(string(contents))
		default:
			a.SignerKey = strings.TrimSpace(getenv(envSignerKey))
		}
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 1
	}

	cfg.Payment.ApplyEnv(getenv)
	cfg.Payment = cfg.Payment.WithDefaults()
	if err := cfg.Payment.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
