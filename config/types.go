package config

// Ledger holds the escrow ledger policy knobs.
type Ledger struct {
	// ID names this deployment in signed verdicts. Empty means the operator
	// address.
	ID string `toml:"ID"`
	// MinimumFeeWei is the decimal fee every escrow creation pays to the
	// treasury. Empty selects the protocol default.
	MinimumFeeWei string `toml:"MinimumFeeWei"`
	// FeeTreasury receives creation fees. Empty means the operator address.
	FeeTreasury string `toml:"FeeTreasury"`
	// Decryptor is the only address allowed to record revealed terms. Empty
	// means the operator address.
	Decryptor string `toml:"Decryptor"`
	// Attestor, when set, makes releases conditional on a signed verdict.
	Attestor              string `toml:"Attestor"`
	AttestorMinConfidence uint8  `toml:"AttestorMinConfidence"`
}

// Auth configures request authentication.
type Auth struct {
	SignatureSkewSeconds int64       `toml:"SignatureSkewSeconds"`
	NonceTTLSeconds      int64       `toml:"NonceTTLSeconds"`
	NonceCapacity        int         `toml:"NonceCapacity"`
	PersistNonces        bool        `toml:"PersistNonces"`
	Operator             OperatorJWT `toml:"operator"`
}

// OperatorJWT guards the account funding endpoint.
type OperatorJWT struct {
	Enabled       bool   `toml:"Enabled"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
	HMACSecretEnv string `toml:"HMACSecretEnv"`
}

type Indexer struct {
	Path         string `toml:"Path"`
	StreamBuffer int    `toml:"StreamBuffer"`
}

type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}
