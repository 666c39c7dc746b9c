package escrow

import "errors"

// Stable error codes surfaced to API clients.
const (
	CodeInvalidSeller          = "InvalidSeller"
	CodeSelfEscrow             = "SelfEscrow"
	CodeInvalidTimeout         = "InvalidTimeout"
	CodeInsufficientGasPayment = "InsufficientGasPayment"
	CodeNotActive              = "NotActive"
	CodeTimeoutNotElapsed      = "TimeoutNotElapsed"
	CodeInsufficientFunds      = "InsufficientFunds"
	CodeUnauthorized           = "Unauthorized"
	CodeEscrowNotFound         = "EscrowNotFound"
	CodeAlreadyDecrypted       = "AlreadyDecrypted"
	CodeAmountMismatch         = "AmountMismatch"
	CodeAttestationRequired    = "AttestationRequired"
	CodeInvalidAttestation     = "InvalidAttestation"
	CodeInvalidAmount          = "InvalidAmount"
)

var (
	ErrInvalidSeller          = errors.New("escrow: invalid seller")
	ErrSelfEscrow             = errors.New("escrow: cannot escrow to self")
	ErrInvalidTimeout         = errors.New("escrow: timeout must be > 0")
	ErrInsufficientGasPayment = errors.New("escrow: deposit below minimum fee")
	ErrNotActive              = errors.New("escrow: not active")
	ErrTimeoutNotElapsed      = errors.New("escrow: timeout not elapsed")
	ErrInsufficientFunds      = errors.New("escrow: insufficient balance")
	ErrUnauthorized           = errors.New("escrow: unauthorized caller")
	ErrEscrowNotFound         = errors.New("escrow: escrow not found")
	ErrAlreadyDecrypted       = errors.New("escrow: terms already decrypted")
	ErrAmountMismatch         = errors.New("escrow: revealed amount does not match custody")
	ErrAttestationRequired    = errors.New("escrow: release requires a verdict attestation")
	ErrInvalidAttestation     = errors.New("escrow: invalid verdict attestation")
	ErrInvalidAmount          = errors.New("escrow: amount must be positive")

	errNilBackend = errors.New("escrow ledger: state backend not configured")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidSeller, CodeInvalidSeller},
	{ErrSelfEscrow, CodeSelfEscrow},
	{ErrInvalidTimeout, CodeInvalidTimeout},
	{ErrInsufficientGasPayment, CodeInsufficientGasPayment},
	{ErrNotActive, CodeNotActive},
	{ErrTimeoutNotElapsed, CodeTimeoutNotElapsed},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrEscrowNotFound, CodeEscrowNotFound},
	{ErrAlreadyDecrypted, CodeAlreadyDecrypted},
	{ErrAmountMismatch, CodeAmountMismatch},
	{ErrAttestationRequired, CodeAttestationRequired},
	{ErrInvalidAttestation, CodeInvalidAttestation},
	{ErrInvalidAmount, CodeInvalidAmount},
}

// Code returns the stable code for a ledger error, or "" when err is not one
// of the ledger's sentinel errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return ""
}

// IsValidation reports whether err is a creation-time input error the caller
// can fix and retry.
func IsValidation(err error) bool {
	switch Code(err) {
	case CodeInvalidSeller, CodeSelfEscrow, CodeInvalidTimeout, CodeInsufficientGasPayment, CodeInvalidAmount:
		return true
	default:
		return false
	}
}
