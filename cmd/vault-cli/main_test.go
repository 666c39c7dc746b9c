package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultescrow/core/state"
	"vaultescrow/crypto"
	"vaultescrow/crypto/terms"
	gatewayauth "vaultescrow/gateway/auth"
	"vaultescrow/native/escrow"
	"vaultescrow/services/paygate"
	"vaultescrow/services/vaultd"
	"vaultescrow/storage"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func withLedgerURL(t *testing.T, url string) {
	t.Helper()
	original := ledgerURL
	ledgerURL = url
	t.Cleanup(func() { ledgerURL = original })
}

func withVerifierURL(t *testing.T, url string) {
	t.Helper()
	original := verifierURL
	verifierURL = url
	t.Cleanup(func() { verifierURL = original })
}

func withSigner(t *testing.T, keys map[string]*crypto.PrivateKey) {
	t.Helper()
	original := loadSigner
	loadSigner = func(path string) (*crypto.PrivateKey, error) {
		key, ok := keys[path]
		if !ok {
			t.Fatalf("unexpected keystore %q", path)
		}
		return key, nil
	}
	t.Cleanup(func() { loadSigner = original })
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestCommandArgValidation(t *testing.T) {
	original := loadSigner
	loadSigner = func(string) (*crypto.PrivateKey, error) {
		t.Fatalf("keystore must not be opened for invalid arguments")
		return nil, nil
	}
	defer func() { loadSigner = original }()
	withLedgerURL(t, "http://127.0.0.1:1")

	seller := "0x00000000000000000000000000000000000000aa"
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "Usage: vault-cli"},
		{"unknown command", []string{"launch"}, "Unknown command: launch"},
		{"escrow usage", []string{"escrow"}, "Usage: vault-cli escrow"},
		{"unknown escrow", []string{"escrow", "expire"}, "Unknown escrow subcommand: expire"},
		{"bad seller", []string{"escrow", "create", "--seller", "nope", "--timeout", "60", "--deposit", "1", "--condition", "x"}, "--seller must be a 0x address"},
		{"missing timeout", []string{"escrow", "create", "--seller", seller, "--deposit", "1", "--condition", "x"}, "--timeout is required"},
		{"zero timeout", []string{"escrow", "create", "--seller", seller, "--timeout", "0", "--deposit", "1", "--condition", "x"}, "--timeout must be positive"},
		{"negative deposit", []string{"escrow", "create", "--seller", seller, "--timeout", "1h", "--deposit", "-5", "--condition", "x"}, "--deposit must be a non-negative integer"},
		{"missing condition", []string{"escrow", "create", "--seller", seller, "--timeout", "1h", "--deposit", "5"}, "--condition or --condition-hash is required"},
		{"bad terms", []string{"escrow", "create", "--seller", seller, "--timeout", "1h", "--deposit", "5", "--condition", "x", "--terms", "0x09ff"}, "--terms:"},
		{"get without id", []string{"escrow", "get"}, "--id is required"},
		{"hex id", []string{"escrow", "refund", "--id", "0x10"}, "--id must be a positive integer"},
		{"decrypt amount", []string{"escrow", "decrypt", "--id", "1", "--amount", "abc"}, "--amount must be a non-negative integer"},
		{"verify missing proof", []string{"verify", "--condition", "c"}, "--condition and a proof are required"},
		{"payment without paid", []string{"verify", "--condition", "c", "--proof", "p", "--amount", "1", "--buyer", "b", "--seller", "s", "--payment", "x"}, "--payment only applies with --paid"},
		{"credit without token", []string{"account", "credit", "--address", seller, "--amount", "1"}, "$VAULT_OPERATOR_TOKEN"},
	}
	t.Setenv(operatorTokenEnv, "")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tc.args...)
			if code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			if !strings.Contains(stderr, tc.want) {
				t.Fatalf("stderr %q does not mention %q", stderr, tc.want)
			}
		})
	}
}

func TestGlobalFlagsOverrideEndpoints(t *testing.T) {
	withLedgerURL(t, defaultLedgerURL)
	withVerifierURL(t, defaultVerifierURL)
	rest, err := applyGlobalFlags([]string{"--ledger", "http://ledger:1/", "escrow", "--verifier=http://oracle:2", "count"})
	if err != nil {
		t.Fatalf("apply flags: %v", err)
	}
	if strings.Join(rest, " ") != "escrow count" {
		t.Fatalf("unexpected remaining args %v", rest)
	}
	if ledgerURL != "http://ledger:1" || verifierURL != "http://oracle:2" {
		t.Fatalf("unexpected endpoints %s %s", ledgerURL, verifierURL)
	}
	if _, err := applyGlobalFlags([]string{"--ledger"}); err == nil {
		t.Fatalf("expected error for missing value")
	}
}

func TestEscrowCommandsAgainstLedger(t *testing.T) {
	buyer, seller := mustKey(t), mustKey(t)
	ledger := escrow.NewLedger(state.NewManager(storage.NewMemDB()))
	ledger.SetMinimumFee(big.NewInt(10))
	if _, err := ledger.Credit(buyer.Address(), big.NewInt(1_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	srv, err := vaultd.NewServer(vaultd.ServerConfig{
		Ledger: ledger,
		Signer: gatewayauth.NewAuthenticator(time.Minute, 5*time.Minute, 0, nil, nil),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	withLedgerURL(t, ts.URL)
	withSigner(t, map[string]*crypto.PrivateKey{"buyer.json": buyer, "seller.json": seller})

	sealed, err := terms.NewCodec(nil, nil, nil).EncryptTerms(context.Background(), big.NewInt(490))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	code, stdout, stderr := runCLI(t, "escrow", "create",
		"--keystore", "buyer.json",
		"--seller", seller.Address().Hex(),
		"--timeout", "2h",
		"--deposit", "500",
		"--condition", "ship the parcel",
		"--terms", sealed.Hex())
	if code != 0 {
		t.Fatalf("create failed: %s", stderr)
	}
	if !strings.Contains(stderr, "plaintext fallback") {
		t.Fatalf("expected plaintext warning, got %q", stderr)
	}
	var created struct {
		ID     uint64            `json:"id"`
		Escrow vaultd.EscrowJSON `json:"escrow"`
	}
	if err := json.Unmarshal([]byte(stdout), &created); err != nil {
		t.Fatalf("decode create output %q: %v", stdout, err)
	}
	if created.ID != 1 || created.Escrow.Timeout != 7200 || created.Escrow.EncryptedTerms != sealed.Hex() {
		t.Fatalf("unexpected created escrow: %+v", created)
	}

	code, _, stderr = runCLI(t, "escrow", "dispute", "--keystore", "buyer.json", "--id", "2")
	if code != 1 || !strings.Contains(stderr, "HTTP 409 NotActive") {
		t.Fatalf("expected NotActive failure, got %d %q", code, stderr)
	}

	code, stdout, stderr = runCLI(t, "escrow", "release", "--keystore", "seller.json", "--id", "1", "--receipt", "ipfs://receipt")
	if code != 0 {
		t.Fatalf("release failed: %s", stderr)
	}
	var released vaultd.EscrowJSON
	if err := json.Unmarshal([]byte(stdout), &released); err != nil {
		t.Fatalf("decode release output: %v", err)
	}
	if released.StatusLabel != "Released" || released.Amount != "490" || released.ReceiptURI != "ipfs://receipt" {
		t.Fatalf("unexpected released escrow: %+v", released)
	}

	code, stdout, _ = runCLI(t, "account", "balance", "--address", seller.Address().Hex())
	if code != 0 || !strings.Contains(stdout, `"balance": "490"`) {
		t.Fatalf("unexpected balance output %d %q", code, stdout)
	}
	code, stdout, _ = runCLI(t, "escrow", "count")
	if code != 0 || !strings.Contains(stdout, `"count": 1`) {
		t.Fatalf("unexpected count output %d %q", code, stdout)
	}
}

func TestTermsSealAndOpen(t *testing.T) {
	code, stdout, stderr := runCLI(t, "terms", "keygen")
	if code != 0 {
		t.Fatalf("keygen: %s", stderr)
	}
	keys := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		name, value, _ := strings.Cut(line, ":")
		keys[name] = strings.TrimSpace(value)
	}
	if keys["public"] == "" || keys["private"] == "" {
		t.Fatalf("unexpected keygen output %q", stdout)
	}

	code, stdout, stderr = runCLI(t, "terms", "seal", "--amount", "123456789", "--hpke-pub", keys["public"])
	if code != 0 {
		t.Fatalf("seal: %s", stderr)
	}
	if stderr != "" {
		t.Fatalf("confidential seal must not warn, got %q", stderr)
	}
	if !strings.Contains(stdout, "mode:   encrypted") {
		t.Fatalf("unexpected seal output %q", stdout)
	}
	sealedHex := strings.TrimSpace(strings.TrimPrefix(strings.Split(stdout, "\n")[0], "terms:"))

	code, _, stderr = runCLI(t, "terms", "open", "--terms", sealedHex)
	if code != 1 || !strings.Contains(stderr, "no decrypter") {
		t.Fatalf("expected missing key failure, got %d %q", code, stderr)
	}
	code, stdout, stderr = runCLI(t, "terms", "open", "--terms", sealedHex, "--hpke-priv", keys["private"])
	if code != 0 || strings.TrimSpace(stdout) != "123456789" {
		t.Fatalf("open: %d %q %q", code, stdout, stderr)
	}

	code, stdout, _ = runCLI(t, "terms", "hash", "--condition", "ship the parcel")
	if code != 0 || strings.TrimSpace(stdout) != terms.HashCondition("ship the parcel").Hex() {
		t.Fatalf("unexpected hash output %q", stdout)
	}
}

func TestKeyNewAndAddress(t *testing.T) {
	t.Setenv(keystorePassEnv, "correct horse")
	path := filepath.Join(t.TempDir(), "signer.json")

	code, stdout, stderr := runCLI(t, "key", "new", "--keystore", path)
	if code != 0 {
		t.Fatalf("key new: %s", stderr)
	}
	created := strings.TrimSpace(stdout)

	code, stdout, stderr = runCLI(t, "key", "address", "--keystore", path)
	if code != 0 || strings.TrimSpace(stdout) != created {
		t.Fatalf("key address: %d %q %q", code, stdout, stderr)
	}

	code, _, stderr = runCLI(t, "key", "new", "--keystore", path)
	if code != 1 || !strings.Contains(stderr, "already exists") {
		t.Fatalf("expected overwrite refusal, got %d %q", code, stderr)
	}
}

func TestVerifyCommand(t *testing.T) {
	var seen map[string]interface{}
	var paymentHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &seen)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/params":
			_, _ = w.Write([]byte(`{"ledgerId":"vault-auto"}`))
		case "/api/verify":
			_, _ = w.Write([]byte(`{"passed":true,"confidence":91,"reason":"delivered","details":[]}`))
		case "/api/verify-paid":
			paymentHeader = r.Header.Get(paygate.HeaderPayment)
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(paygate.RequiredResponse{
				X402Version: 1,
				Error:       "X-PAYMENT header is required",
				Accepts: []paygate.Requirements{{
					Scheme: "exact", Network: "base-sepolia", MaxAmountRequired: "10000",
					Asset: "0xUSDC", PayTo: "0xPayee",
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	withVerifierURL(t, ts.URL)
	withLedgerURL(t, ts.URL)

	out := filepath.Join(t.TempDir(), "verdict.json")
	code, stdout, stderr := runCLI(t, "verify",
		"--condition", "ship", "--proof", "tracking 123",
		"--amount", "5", "--buyer", "0xb", "--seller", "0xs",
		"--escrow-id", "4", "--out", out)
	if code != 0 {
		t.Fatalf("verify: %s", stderr)
	}
	if !strings.Contains(stdout, `"confidence": 91`) {
		t.Fatalf("unexpected verify output %q", stdout)
	}
	if seen["escrowId"] != float64(4) || seen["condition"] != "ship" || seen["ledgerId"] != "vault-auto" {
		t.Fatalf("unexpected request body %v", seen)
	}

	code, _, stderr = runCLI(t, "verify",
		"--condition", "ship", "--proof", "tracking 123",
		"--amount", "5", "--buyer", "0xb", "--seller", "0xs",
		"--escrow-id", "4", "--ledger-id", "vault-eu-1")
	if code != 0 {
		t.Fatalf("verify with ledger id: %s", stderr)
	}
	if seen["ledgerId"] != "vault-eu-1" {
		t.Fatalf("explicit ledger id not forwarded: %v", seen)
	}

	code, _, stderr = runCLI(t, "verify", "--paid", "--payment", "abc",
		"--condition", "ship", "--proof", "tracking 123",
		"--amount", "5", "--buyer", "0xb", "--seller", "0xs")
	if code != 1 || !strings.Contains(stderr, "exact on base-sepolia: up to 10000 of 0xUSDC to 0xPayee") {
		t.Fatalf("unexpected paid output %d %q", code, stderr)
	}
	if paymentHeader != "abc" {
		t.Fatalf("payment header not forwarded, got %q", paymentHeader)
	}
}

func TestExtractAttestation(t *testing.T) {
	full := []byte(`{"passed":true,"attestation":{"escrowId":1,"signature":"AQ=="}}`)
	got, err := extractAttestation(full)
	if err != nil || !strings.Contains(string(got), `"escrowId":1`) {
		t.Fatalf("unexpected nested attestation %s %v", got, err)
	}
	bare := []byte(`{"escrowId":2,"signature":"AQ=="}`)
	if got, err := extractAttestation(bare); err != nil || string(got) != string(bare) {
		t.Fatalf("unexpected bare attestation %s %v", got, err)
	}
	if _, err := extractAttestation([]byte(`{"passed":false}`)); err == nil {
		t.Fatalf("expected error without attestation")
	}
}
