package verifier

import (
	"errors"
	"strings"
)

var (
	// ErrMissingInput is returned when the condition, proof or context is
	// absent. The backend is never consulted for such requests.
	ErrMissingInput = errors.New("verifier: missing condition, proof, or context")
	// ErrBackendUnavailable wraps failures to reach the reasoning backend. It
	// is distinct from a verdict that failed.
	ErrBackendUnavailable = errors.New("verifier: reasoning backend unavailable")
)

// EscrowContext is the non-sensitive escrow metadata shown to the backend.
type EscrowContext struct {
	Amount string `json:"amount"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
}

// Request asks whether proof satisfies condition. LedgerID and EscrowID are
// optional and only used to bind a signed attestation to a ledger escrow.
type Request struct {
	Condition string         `json:"condition"`
	Proof     string         `json:"proof"`
	Context   *EscrowContext `json:"context"`
	LedgerID  string         `json:"ledgerId,omitempty"`
	EscrowID  uint64         `json:"escrowId,omitempty"`
}

// Normalize validates the request and fills context defaults.
func (r *Request) Normalize() error {
	if r == nil || strings.TrimSpace(r.Condition) == "" || strings.TrimSpace(r.Proof) == "" || r.Context == nil {
		return ErrMissingInput
	}
	r.LedgerID = strings.TrimSpace(r.LedgerID)
	r.Context.Amount = orDefault(r.Context.Amount, "0")
	r.Context.Buyer = orDefault(r.Context.Buyer, "unknown")
	r.Context.Seller = orDefault(r.Context.Seller, "unknown")
	return nil
}

// Result is a verification verdict. Confidence is advisory and always within
// [0, 100]; Details is never nil.
type Result struct {
	Passed     bool     `json:"passed"`
	Confidence int      `json:"confidence"`
	Reason     string   `json:"reason"`
	Details    []string `json:"details"`
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
