package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaultescrow/cmd/internal/passphrase"
	"vaultescrow/crypto"
	gatewayauth "vaultescrow/gateway/auth"
)

const (
	defaultLedgerURL   = "http://localhost:8090"
	defaultVerifierURL = "http://localhost:3001"
	keystorePassEnv    = "VAULT_CLI_PASSPHRASE"
)

var (
	ledgerURL   = envOr("VAULT_URL", defaultLedgerURL)
	verifierURL = envOr("VERIFIER_URL", defaultVerifierURL)

	cliNow     = time.Now
	httpClient = &http.Client{Timeout: 30 * time.Second}
	newNonce   = uuid.NewString
	loadSigner = loadKeystoreSigner
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "escrow":
		return runEscrowCommand(args[1:], stdout, stderr)
	case "account":
		return runAccountCommand(args[1:], stdout, stderr)
	case "terms":
		return runTermsCommand(args[1:], stdout, stderr)
	case "verify":
		return runVerifyCommand(args[1:], stdout, stderr)
	case "key":
		return runKeyCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: vault-cli [--ledger URL] [--verifier URL] <command> [flags]",
		"",
		"Commands:",
		"  escrow   create|get|count|release|refund|dispute|decrypt|events",
		"  account  balance|credit",
		"  terms    seal|open|hash|keygen",
		"  verify   ask the condition oracle for a verdict",
		"  key      new|address",
	}, "\n")
}

func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func applyGlobalFlags(args []string) ([]string, error) {
	targets := map[string]*string{"--ledger": &ledgerURL, "--verifier": &verifierURL}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		target, ok := targets[name]
		if !ok {
			out = append(out, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", name)
			}
			i++
			value = args[i]
		}
		*target = strings.TrimRight(strings.TrimSpace(value), "/")
	}
	return out, nil
}

func loadKeystoreSigner(path string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("--keystore is required")
	}
	pass, err := passphrase.NewLabeledSource(keystorePassEnv, "signing key").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("unlock %s: %w", path, err)
	}
	return key, nil
}

type apiError struct {
	Status  int
	Message string
	Code    string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// callAPI sends payload as JSON and returns the raw response body. A non-nil
// key signs the request with the vault request headers.
func callAPI(method, url string, payload interface{}, key *crypto.PrivateKey, headers map[string]string) (json.RawMessage, http.Header, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if key != nil {
		if err := gatewayauth.SignRequest(req, key, body, cliNow(), newNonce()); err != nil {
			return nil, nil, fmt.Errorf("sign request: %w", err)
		}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.Header, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var decoded struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			apiErr.Message, apiErr.Code = decoded.Error, decoded.Code
		}
		return raw, resp.Header, apiErr
	}
	return raw, resp.Header, nil
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleCallError(w io.Writer, err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(w, "Request failed: %s\n", apiErr.Error())
		return 1
	}
	fmt.Fprintf(w, "Request failed: %v\n", err)
	return 1
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		_, _ = w.Write(result)
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintln(w, strings.TrimRight(pretty.String(), "\n"))
}
