package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultescrow/crypto"
	"vaultescrow/crypto/terms"
	"vaultescrow/native/escrow"
	"vaultescrow/observability"
	"vaultescrow/observability/logging"
)

const (
	outcomePassed   = "passed"
	outcomeFailed   = "failed"
	outcomeUnparsed = "unparsed"
	outcomeError    = "error"
)

// Verdict is the outcome of one verification call.
type Verdict struct {
	Result
	// Raw is the backend answer as received.
	Raw string
	// Parsed is false when Raw was not a verdict and Result is the
	// conservative failure.
	Parsed        bool
	ConditionHash common.Hash
	Attestation   *escrow.Attestation
}

// Verifier judges proofs through a Backend. It holds no state between calls.
type Verifier struct {
	backend Backend
	signer  *crypto.PrivateKey
	logger  *slog.Logger
	metrics *observability.VerifierMetrics
	nowFn   func() time.Time
}

func New(backend Backend, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		backend: backend,
		logger:  logger,
		metrics: observability.Verifier(),
		nowFn:   time.Now,
	}
}

// SetSigner enables signed attestations for requests naming an escrow.
func (v *Verifier) SetSigner(key *crypto.PrivateKey) { v.signer = key }

// Attestor returns the signing address, or the zero address when unsigned.
func (v *Verifier) Attestor() common.Address {
	if v.signer == nil {
		return common.Address{}
	}
	return v.signer.Address()
}

func (v *Verifier) SetNowFunc(now func() time.Time) {
	if now == nil {
		v.nowFn = time.Now
		return
	}
	v.nowFn = now
}

// Verify asks the backend whether req.Proof satisfies req.Condition. Input
// errors and backend outages are returned as errors; an unparseable answer is
// not an error.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Verdict, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	if v.backend == nil {
		return nil, fmt.Errorf("%w: not configured", ErrBackendUnavailable)
	}
	prompt := BuildPrompt(req)
	start := time.Now()
	raw, err := v.backend.Complete(ctx, prompt)
	v.metrics.ObserveBackend(err, time.Since(start))
	if err != nil {
		v.metrics.RecordVerdict(outcomeError, 0)
		v.logger.Error("verifier: backend call failed", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	result, parsed := ParseResult(raw)
	verdict := &Verdict{
		Result:        result,
		Raw:           raw,
		Parsed:        parsed,
		ConditionHash: terms.HashCondition(req.Condition),
	}
	outcome := outcomeFailed
	switch {
	case !parsed:
		outcome = outcomeUnparsed
		v.logger.Warn("verifier: unparseable backend response",
			slog.String("preview", logging.Preview(raw, 120)))
	case result.Passed:
		outcome = outcomePassed
	}
	v.metrics.RecordVerdict(outcome, result.Confidence)

	if v.signer != nil && req.EscrowID > 0 {
		att, err := v.Attest(req.LedgerID, req.EscrowID, verdict.ConditionHash, result)
		if err != nil {
			return nil, err
		}
		verdict.Attestation = att
	}
	return verdict, nil
}

// Attest signs result for escrowID on ledgerID, bound to conditionHash.
func (v *Verifier) Attest(ledgerID string, escrowID uint64, conditionHash common.Hash, result Result) (*escrow.Attestation, error) {
	if v.signer == nil {
		return nil, errors.New("verifier: attestation signer not configured")
	}
	confidence := result.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 100 {
		confidence = 100
	}
	att := &escrow.Attestation{
		LedgerID:      ledgerID,
		EscrowID:      escrowID,
		ConditionHash: conditionHash,
		Passed:        result.Passed,
		Confidence:    uint8(confidence),
		IssuedAt:      v.nowFn().Unix(),
	}
	if err := att.Sign(v.signer); err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	return att, nil
}
