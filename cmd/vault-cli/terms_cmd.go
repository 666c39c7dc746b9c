package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"vaultescrow/crypto/terms"
)

const hpkePrivateKeyEnv = "VAULT_HPKE_PRIVATE_KEY"

func runTermsCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, termsUsage())
		return 1
	}
	switch args[0] {
	case "seal":
		return runTermsSeal(args[1:], stdout, stderr)
	case "open":
		return runTermsOpen(args[1:], stdout, stderr)
	case "hash":
		return runTermsHash(args[1:], stdout, stderr)
	case "keygen":
		return runTermsKeygen(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown terms subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, termsUsage())
		return 1
	}
}

func termsUsage() string {
	return strings.Join([]string{
		"Usage: vault-cli terms <subcommand> [flags]",
		"  seal    --amount WEI [--hpke-pub HEX]   (no key seals a labelled plaintext fallback)",
		"  open    --terms HEX [--hpke-priv HEX]   (key defaults to $" + hpkePrivateKeyEnv + ")",
		"  hash    --condition TEXT",
		"  keygen",
	}, "\n")
}

func runTermsSeal(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("terms seal", stderr, termsUsage)
	var amount, pub string
	fs.StringVar(&amount, "amount", "", "escrow amount in wei")
	fs.StringVar(&pub, "hpke-pub", "", "hex HPKE public key of the decryption committee")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	value, err := parseWei("--amount", amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var enc terms.Encrypter
	if strings.TrimSpace(pub) != "" {
		sealer, err := terms.NewHPKESealerHex(pub, "")
		if err != nil {
			return printError(stderr, err.Error())
		}
		enc = sealer
	}
	sealed, err := terms.NewCodec(enc, nil, nil).EncryptTerms(context.Background(), value)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if !sealed.Confidential() {
		fmt.Fprintln(stderr, "Warning: sealed in plaintext fallback mode; the amount is publicly readable")
	}
	fmt.Fprintf(stdout, "terms:  %s\nmode:   %s\ndigest: 0x%s\n", sealed.Hex(), sealed.Mode, hex.EncodeToString(sealed.Digest[:]))
	return 0
}

func runTermsOpen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("terms open", stderr, termsUsage)
	var raw, priv string
	fs.StringVar(&raw, "terms", "", "sealed terms hex")
	fs.StringVar(&priv, "hpke-priv", "", "hex HPKE private key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(raw) == "" {
		return printError(stderr, "--terms is required")
	}
	sealed, err := terms.ParseSealedHex(raw)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if priv == "" {
		priv = os.Getenv(hpkePrivateKeyEnv)
	}
	var dec terms.Decrypter
	if strings.TrimSpace(priv) != "" {
		sealer, err := terms.NewHPKESealerHex("", priv)
		if err != nil {
			return printError(stderr, err.Error())
		}
		dec = sealer
	}
	amount, err := terms.NewCodec(nil, dec, nil).DecodeTerms(context.Background(), sealed)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, amount.String())
	return 0
}

func runTermsHash(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("terms hash", stderr, termsUsage)
	var condition string
	fs.StringVar(&condition, "condition", "", "condition text")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if condition == "" {
		return printError(stderr, "--condition is required")
	}
	fmt.Fprintln(stdout, terms.HashCondition(condition).Hex())
	return 0
}

func runTermsKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("terms keygen", stderr, termsUsage)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pub, priv, err := terms.GenerateHPKEKeyPair()
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "public:  0x%s\nprivate: 0x%s\n", hex.EncodeToString(pub), hex.EncodeToString(priv))
	return 0
}
