package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"vaultescrow/services/paygate"
)

func verifyUsage() string {
	return strings.Join([]string{
		"Usage: vault-cli verify --condition TEXT (--proof TEXT | --proof-file FILE) --amount WEI --buyer ADDR --seller ADDR [flags]",
		"  --escrow-id N   bind the verdict to an escrow so the oracle signs an attestation",
		"  --ledger-id ID  ledger the attestation is for (default: read from the ledger's /params)",
		"  --paid          use the x402 gated endpoint",
		"  --payment B64   X-PAYMENT header value for --paid",
		"  --out FILE      also write the response JSON to FILE",
	}, "\n")
}

func runVerifyCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify", stderr, verifyUsage)
	var (
		condition string
		proof     string
		proofFile string
		amount    string
		buyer     string
		seller    string
		escrowID  uint64
		ledgerID  string
		paid      bool
		payment   string
		out       string
	)
	fs.StringVar(&condition, "condition", "", "condition text")
	fs.StringVar(&proof, "proof", "", "proof of delivery")
	fs.StringVar(&proofFile, "proof-file", "", "read the proof from a file")
	fs.StringVar(&amount, "amount", "", "escrow amount shown to the oracle")
	fs.StringVar(&buyer, "buyer", "", "buyer address")
	fs.StringVar(&seller, "seller", "", "seller address")
	fs.Uint64Var(&escrowID, "escrow-id", 0, "escrow identifier")
	fs.StringVar(&ledgerID, "ledger-id", "", "ledger identifier bound into the attestation")
	fs.BoolVar(&paid, "paid", false, "call the paid endpoint")
	fs.StringVar(&payment, "payment", "", "X-PAYMENT header value")
	fs.StringVar(&out, "out", "", "write the response to a file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if proofFile != "" {
		raw, err := os.ReadFile(proofFile)
		if err != nil {
			return printError(stderr, fmt.Sprintf("read proof: %v", err))
		}
		proof = string(raw)
	}
	if strings.TrimSpace(condition) == "" || strings.TrimSpace(proof) == "" {
		return printError(stderr, "--condition and a proof are required")
	}
	if amount == "" || buyer == "" || seller == "" {
		return printError(stderr, "--amount, --buyer and --seller are required")
	}
	if payment != "" && !paid {
		return printError(stderr, "--payment only applies with --paid")
	}

	body := map[string]interface{}{
		"condition": condition,
		"proof":     proof,
		"context":   map[string]string{"amount": amount, "buyer": buyer, "seller": seller},
	}
	if escrowID > 0 {
		body["escrowId"] = escrowID
		ledgerID = strings.TrimSpace(ledgerID)
		if ledgerID == "" {
			var err error
			if ledgerID, err = fetchLedgerID(); err != nil {
				return printError(stderr, fmt.Sprintf("resolve ledger id (pass --ledger-id): %v", err))
			}
		}
		body["ledgerId"] = ledgerID
	}
	endpoint := verifierURL + "/api/verify"
	var headers map[string]string
	if paid {
		endpoint = verifierURL + "/api/verify-paid"
		if payment != "" {
			headers = map[string]string{paygate.HeaderPayment: strings.TrimSpace(payment)}
		}
	}

	result, respHeaders, err := callAPI(http.MethodPost, endpoint, body, nil, headers)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusPaymentRequired {
		return printPaymentRequired(stderr, result)
	}
	if err != nil {
		return handleCallError(stderr, err)
	}
	if settlement := respHeaders.Get(paygate.HeaderPaymentResponse); settlement != "" {
		fmt.Fprintf(stderr, "Payment settled: %s\n", settlement)
	}
	if out != "" {
		if err := os.WriteFile(out, result, 0o600); err != nil {
			return printError(stderr, fmt.Sprintf("write %s: %v", out, err))
		}
	}
	writeResult(stdout, result)
	return 0
}

func fetchLedgerID() (string, error) {
	raw, _, err := callAPI(http.MethodGet, ledgerURL+"/params", nil, nil, nil)
	if err != nil {
		return "", err
	}
	var params struct {
		LedgerID string `json:"ledgerId"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", err
	}
	if params.LedgerID == "" {
		return "", errors.New("ledger did not report an id")
	}
	return params.LedgerID, nil
}

func printPaymentRequired(w io.Writer, raw []byte) int {
	var required paygate.RequiredResponse
	if err := json.Unmarshal(raw, &required); err != nil || len(required.Accepts) == 0 {
		fmt.Fprintf(w, "Payment required: %s\n", strings.TrimSpace(string(raw)))
		return 1
	}
	fmt.Fprintf(w, "Payment required: %s\n", required.Error)
	for _, req := range required.Accepts {
		fmt.Fprintf(w, "  %s on %s: up to %s of %s to %s\n", req.Scheme, req.Network, req.MaxAmountRequired, req.Asset, req.PayTo)
	}
	return 1
}
