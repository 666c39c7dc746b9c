package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// Scrypt work factors. Light parameters are for development keys and tests.
const (
	ScryptStandard = iota
	ScryptLight
)

// SaveToKeystore writes the provided private key to an Ethereum v3 keystore file
// at path using the standard scrypt parameters.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	return SaveToKeystoreWith(path, key, passphrase, ScryptStandard)
}

// SaveToKeystoreWith is SaveToKeystore with a selectable scrypt strength. The
// file is staged in a temporary directory next to path and moved into place so
// a crash never leaves a partial keystore behind.
func SaveToKeystoreWith(path string, key *PrivateKey, passphrase string, strength int) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	n, p := keystore.StandardScryptN, keystore.StandardScryptP
	if strength == ScryptLight {
		n, p = keystore.LightScryptN, keystore.LightScryptP
	}
	ks := keystore.NewKeyStore(tmpDir, n, p)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore %s: %w", path, err)
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadOrCreateKeystore loads the key at path, generating and persisting a new
// one when the file does not exist yet. The boolean reports creation.
func LoadOrCreateKeystore(path, passphrase string, strength int) (*PrivateKey, bool, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := LoadFromKeystore(path, passphrase)
		return key, false, err
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	key, err := GeneratePrivateKey()
	if err != nil {
		return nil, false, err
	}
	if err := SaveToKeystoreWith(path, key, passphrase, strength); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
