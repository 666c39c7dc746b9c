package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultescrow/crypto/terms"
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "count":
		return runEscrowCount(args[1:], stdout, stderr)
	case "release":
		return runEscrowRelease(args[1:], stdout, stderr)
	case "refund":
		return runEscrowTransition("escrow refund", "refund", args[1:], stdout, stderr)
	case "dispute":
		return runEscrowTransition("escrow dispute", "dispute", args[1:], stdout, stderr)
	case "decrypt":
		return runEscrowDecrypt(args[1:], stdout, stderr)
	case "events":
		return runEscrowEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func escrowUsage() string {
	return strings.Join([]string{
		"Usage: vault-cli escrow <subcommand> [flags]",
		"  create   --keystore FILE --seller ADDR --timeout 72h --deposit WEI (--condition TEXT | --condition-hash HASH) [--terms HEX]",
		"  get      --id N",
		"  count",
		"  release  --keystore FILE --id N [--receipt URI] [--attestation FILE]",
		"  refund   --keystore FILE --id N",
		"  dispute  --keystore FILE --id N",
		"  decrypt  --keystore FILE --id N --amount WEI",
		"  events   --id N",
	}, "\n")
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow create", stderr, escrowUsage)
	var (
		keystore      string
		seller        string
		timeoutStr    string
		depositStr    string
		condition     string
		conditionHash string
		termsHex      string
	)
	fs.StringVar(&keystore, "keystore", "", "buyer keystore file")
	fs.StringVar(&seller, "seller", "", "seller 0x address")
	fs.StringVar(&timeoutStr, "timeout", "", "refund timeout as seconds or a duration such as 72h")
	fs.StringVar(&depositStr, "deposit", "", "deposit in wei, including the minimum fee")
	fs.StringVar(&condition, "condition", "", "condition text, hashed locally")
	fs.StringVar(&conditionHash, "condition-hash", "", "0x keccak256 condition commitment")
	fs.StringVar(&termsHex, "terms", "", "sealed terms from `terms seal`")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if !common.IsHexAddress(strings.TrimSpace(seller)) {
		return printError(stderr, "--seller must be a 0x address")
	}
	timeout, err := parseTimeout(timeoutStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	deposit, err := parseWei("--deposit", depositStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(condition) == "" && strings.TrimSpace(conditionHash) == "" {
		return printError(stderr, "--condition or --condition-hash is required")
	}
	if strings.TrimSpace(termsHex) != "" {
		sealed, err := terms.ParseSealedHex(termsHex)
		if err != nil {
			return printError(stderr, fmt.Sprintf("--terms: %v", err))
		}
		if !sealed.Confidential() {
			fmt.Fprintln(stderr, "Warning: terms are a plaintext fallback and will be publicly readable")
		}
	}
	key, err := loadSigner(keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}

	payload := map[string]interface{}{
		"seller":         common.HexToAddress(strings.TrimSpace(seller)).Hex(),
		"timeout":        timeout,
		"deposit":        deposit.String(),
		"encryptedTerms": strings.TrimSpace(termsHex),
	}
	if condition != "" {
		payload["condition"] = condition
	}
	if conditionHash != "" {
		payload["conditionHash"] = strings.TrimSpace(conditionHash)
	}
	result, _, err := callAPI(http.MethodPost, ledgerURL+"/escrows", payload, key, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow get", stderr, escrowUsage)
	var id string
	fs.StringVar(&id, "id", "", "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	result, _, err := callAPI(http.MethodGet, ledgerURL+"/escrows/"+id, nil, nil, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runEscrowCount(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow count", stderr, escrowUsage)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	result, _, err := callAPI(http.MethodGet, ledgerURL+"/escrows/count", nil, nil, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runEscrowRelease(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow release", stderr, escrowUsage)
	var (
		keystore    string
		id          string
		receipt     string
		attestation string
	)
	fs.StringVar(&keystore, "keystore", "", "caller keystore file")
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&receipt, "receipt", "", "receipt URI recorded with the release")
	fs.StringVar(&attestation, "attestation", "", "verdict attestation JSON file from `verify`")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	payload := map[string]interface{}{"receiptUri": strings.TrimSpace(receipt)}
	if attestation != "" {
		raw, err := os.ReadFile(attestation)
		if err != nil {
			return printError(stderr, fmt.Sprintf("read attestation: %v", err))
		}
		att, err := extractAttestation(raw)
		if err != nil {
			return printError(stderr, err.Error())
		}
		payload["attestation"] = att
	}
	key, err := loadSigner(keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, _, err := callAPI(http.MethodPost, ledgerURL+"/escrows/"+id+"/release", payload, key, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runEscrowTransition(name, action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr, escrowUsage)
	var keystore, id string
	fs.StringVar(&keystore, "keystore", "", "caller keystore file")
	fs.StringVar(&id, "id", "", "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadSigner(keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, _, err := callAPI(http.MethodPost, ledgerURL+"/escrows/"+id+"/"+action, nil, key, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runEscrowDecrypt(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow decrypt", stderr, escrowUsage)
	var keystore, id, amount string
	fs.StringVar(&keystore, "keystore", "", "decryption authority keystore file")
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&amount, "amount", "", "revealed amount in wei")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	value, err := parseWei("--amount", amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadSigner(keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, _, err := callAPI(http.MethodPost, ledgerURL+"/escrows/"+id+"/decrypt", map[string]string{"amount": value.String()}, key, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runEscrowEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow events", stderr, escrowUsage)
	var id string
	var limit int
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.IntVar(&limit, "limit", 0, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	endpoint := ledgerURL + "/escrows/" + id + "/events"
	if limit > 0 {
		endpoint += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	result, _, err := callAPI(http.MethodGet, endpoint, nil, nil, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

// extractAttestation accepts either a bare attestation object or a full
// verifier response carrying one under "attestation".
func extractAttestation(raw []byte) (json.RawMessage, error) {
	var envelope struct {
		Attestation json.RawMessage `json:"attestation"`
		Signature   json.RawMessage `json:"signature"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("attestation file is not JSON: %w", err)
	}
	if len(envelope.Attestation) > 0 && string(envelope.Attestation) != "null" {
		return envelope.Attestation, nil
	}
	if len(envelope.Signature) > 0 {
		return json.RawMessage(raw), nil
	}
	return nil, fmt.Errorf("attestation file carries no signed attestation")
}

func newFlagSet(name string, stderr io.Writer, usage func() string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func validateEscrowID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("--id is required")
	}
	value, err := strconv.ParseUint(id, 10, 64)
	if err != nil || value == 0 {
		return fmt.Errorf("--id must be a positive integer")
	}
	return nil
}

func parseTimeout(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("--timeout is required")
	}
	if secs, err := strconv.ParseUint(raw, 10, 64); err == nil {
		if secs == 0 {
			return 0, fmt.Errorf("--timeout must be positive")
		}
		return secs, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < time.Second {
		return 0, fmt.Errorf("--timeout must be seconds or a duration of at least 1s")
	}
	return uint64(d / time.Second), nil
}

func parseWei(flagName, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s is required", flagName)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer amount in wei", flagName)
	}
	return value, nil
}
