package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"vaultescrow/cmd/internal/passphrase"
	"vaultescrow/crypto"
)

func runKeyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}
	switch args[0] {
	case "new":
		return runKeyNew(args[1:], stdout, stderr)
	case "address":
		return runKeyAddress(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown key subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}
}

func keyUsage() string {
	return strings.Join([]string{
		"Usage: vault-cli key <subcommand> [flags]",
		"  new      --keystore FILE   (passphrase from $" + keystorePassEnv + " or prompt)",
		"  address  --keystore FILE",
	}, "\n")
}

func runKeyNew(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("key new", stderr, keyUsage)
	var path string
	flags.StringVar(&path, "keystore", "", "keystore file to create")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(path) == "" {
		return printError(stderr, "--keystore is required")
	}
	if _, err := os.Stat(path); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", path))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return printError(stderr, err.Error())
	}
	pass, err := passphrase.NewLabeledSource(keystorePassEnv, "new signing key").Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return 0
}

func runKeyAddress(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("key address", stderr, keyUsage)
	var path string
	flags.StringVar(&path, "keystore", "", "keystore file")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	key, err := loadSigner(path)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return 0
}
