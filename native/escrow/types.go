package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Status represents the lifecycle states of a conditional escrow. The numeric
// values are part of the public contract and must remain stable.
type Status uint8

const (
	StatusActive Status = iota
	StatusReleased
	StatusRefunded
	StatusDisputed
)

var statusLabels = [...]string{
	StatusActive:   "Active",
	StatusReleased: "Released",
	StatusRefunded: "Refunded",
	StatusDisputed: "Disputed",
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool { return int(s) < len(statusLabels) }

// Terminal reports whether no automated transition may leave the status.
func (s Status) Terminal() bool { return s != StatusActive }

// String returns the stable label for the status.
func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
	return statusLabels[s]
}

// ParseStatus resolves a label (case-insensitive) or a numeric string into a
// status value.
func ParseStatus(raw string) (Status, error) {
	trimmed := strings.TrimSpace(raw)
	for i, label := range statusLabels {
		if strings.EqualFold(trimmed, label) || trimmed == fmt.Sprint(i) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status %q", raw)
}

// Escrow is the ledger record of a single conditional escrow. Amount carries
// the revealed value and stays zero until Decrypted is set; the custodied
// balance is tracked separately by the store.
type Escrow struct {
	ID             uint64
	Buyer          common.Address
	Seller         common.Address
	Amount         *big.Int
	Status         Status
	CreatedAt      int64
	Timeout        uint64
	ConditionHash  common.Hash
	EncryptedTerms []byte
	ReceiptURI     string
	Decrypted      bool
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	if e.EncryptedTerms != nil {
		clone.EncryptedTerms = append([]byte(nil), e.EncryptedTerms...)
	}
	return &clone
}

// Exists reports whether the record refers to a created escrow. A zero record
// (null buyer) is what GetEscrow returns for unknown identifiers.
func (e *Escrow) Exists() bool {
	return e != nil && e.ID != 0 && e.Buyer != (common.Address{})
}

// RefundAt returns the unix timestamp from which a refund may be claimed.
func (e *Escrow) RefundAt() int64 {
	if e == nil {
		return 0
	}
	return refundAt(e.CreatedAt, e.Timeout)
}

// View returns the externally observable copy of the record. The amount is
// only disclosed once the terms have been revealed.
func (e *Escrow) View() *Escrow {
	if e == nil {
		return &Escrow{Amount: big.NewInt(0)}
	}
	clone := e.Clone()
	if !clone.Decrypted {
		clone.Amount = big.NewInt(0)
	}
	return clone
}

// SanitizeEscrow validates the supplied record and returns a cloned instance
// with a non-nil amount field. The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.ID == 0 {
		return nil, fmt.Errorf("escrow id must be positive")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
