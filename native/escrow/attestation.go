package escrow

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"vaultescrow/crypto"
)

var attestationDomain = []byte("vaultescrow/verdict/v1")

// Attestation is a verification verdict signed by the oracle so the ledger can
// check it before releasing funds. LedgerID names the deployment the verdict
// is meant for.
type Attestation struct {
	LedgerID      string      `json:"ledgerId"`
	EscrowID      uint64      `json:"escrowId"`
	ConditionHash common.Hash `json:"conditionHash"`
	Passed        bool        `json:"passed"`
	Confidence    uint8       `json:"confidence"`
	IssuedAt      int64       `json:"issuedAt"`
	Signature     []byte      `json:"signature"`
}

// Digest returns the keccak256 commitment that the attestor signs.
func (a *Attestation) Digest() common.Hash {
	var buf [8 + 32 + 1 + 1 + 8]byte
	binary.BigEndian.PutUint64(buf[0:8], a.EscrowID)
	copy(buf[8:40], a.ConditionHash[:])
	if a.Passed {
		buf[40] = 1
	}
	buf[41] = a.Confidence
	binary.BigEndian.PutUint64(buf[42:50], uint64(a.IssuedAt))
	return ethcrypto.Keccak256Hash(attestationDomain, ethcrypto.Keccak256([]byte(a.LedgerID)), buf[:])
}

// Sign fills in the attestation signature using key.
func (a *Attestation) Sign(key *crypto.PrivateKey) error {
	sig, err := crypto.SignDigest(key, a.Digest())
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// Signer recovers the address that signed the attestation.
func (a *Attestation) Signer() (common.Address, error) {
	if a == nil {
		return common.Address{}, fmt.Errorf("%w: missing attestation", ErrInvalidAttestation)
	}
	addr, err := crypto.RecoverDigest(a.Digest(), a.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	return addr, nil
}

func (l *Ledger) checkAttestation(esc *Escrow, att *Attestation) error {
	if att == nil {
		return ErrAttestationRequired
	}
	signer, err := att.Signer()
	if err != nil {
		return err
	}
	switch {
	case signer != l.attestor:
		return fmt.Errorf("%w: signed by %s", ErrInvalidAttestation, signer.Hex())
	case att.LedgerID != l.ledgerID:
		return fmt.Errorf("%w: issued for ledger %q", ErrInvalidAttestation, att.LedgerID)
	case att.EscrowID != esc.ID:
		return fmt.Errorf("%w: escrow id mismatch", ErrInvalidAttestation)
	case att.ConditionHash != esc.ConditionHash:
		return fmt.Errorf("%w: condition hash mismatch", ErrInvalidAttestation)
	case !att.Passed:
		return fmt.Errorf("%w: verdict did not pass", ErrInvalidAttestation)
	case att.Confidence > 100:
		return fmt.Errorf("%w: confidence out of range", ErrInvalidAttestation)
	case att.Confidence < l.minConfidence:
		return fmt.Errorf("%w: confidence %d below %d", ErrInvalidAttestation, att.Confidence, l.minConfidence)
	}
	return nil
}
