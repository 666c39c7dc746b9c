package escrow

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"vaultescrow/core/types"
)

// Event type names mirror the ledger's public event surface and are what
// off-chain indexers key on.
const (
	EventTypeEscrowCreated     = "EscrowCreated"
	EventTypeEscrowDecrypted   = "EscrowDecrypted"
	EventTypeEscrowReleased    = "EscrowReleased"
	EventTypeEscrowRefunded    = "EscrowRefunded"
	EventTypeEscrowDisputed    = "EscrowDisputed"
	EventTypeConditionVerified = "ConditionVerified"
	EventTypeAccountCredited   = "AccountCredited"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, e)
	if e != nil {
		evt.Attributes["buyer"] = e.Buyer.Hex()
		evt.Attributes["seller"] = e.Seller.Hex()
		evt.Attributes["conditionHash"] = e.ConditionHash.Hex()
		evt.Attributes["timeout"] = strconv.FormatUint(e.Timeout, 10)
		evt.Attributes["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	}
	return evt
}

// NewDecryptedEvent returns the payload emitted the first time an escrow's
// terms are revealed.
func NewDecryptedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDecrypted, e)
	if e != nil {
		evt.Attributes["amount"] = cloneBigInt(e.Amount).String()
	}
	return evt
}

// NewReleasedEvent returns the payload for a release of escrow funds to the
// seller.
func NewReleasedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowReleased, e)
	if e != nil {
		evt.Attributes["seller"] = e.Seller.Hex()
		evt.Attributes["amount"] = cloneBigInt(e.Amount).String()
		if e.ReceiptURI != "" {
			evt.Attributes["receiptURI"] = e.ReceiptURI
		}
	}
	return evt
}

// NewRefundedEvent returns the payload for an escrow refund to the buyer.
func NewRefundedEvent(e *Escrow, amount *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowRefunded, e)
	if e != nil {
		evt.Attributes["buyer"] = e.Buyer.Hex()
		evt.Attributes["amount"] = cloneBigInt(amount).String()
	}
	return evt
}

// NewDisputedEvent returns the payload emitted when an escrow is frozen by one
// of its parties.
func NewDisputedEvent(e *Escrow, initiator common.Address) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	evt.Attributes["initiator"] = initiator.Hex()
	return evt
}

// NewConditionVerifiedEvent records the attested verdict accepted by the
// ledger ahead of an attested release.
func NewConditionVerifiedEvent(e *Escrow, att *Attestation) *types.Event {
	evt := newEscrowEvent(EventTypeConditionVerified, e)
	if att != nil {
		evt.Attributes["passed"] = strconv.FormatBool(att.Passed)
		evt.Attributes["confidence"] = strconv.FormatUint(uint64(att.Confidence), 10)
		evt.Attributes["conditionHash"] = att.ConditionHash.Hex()
	}
	return evt
}

// NewCreditedEvent returns the payload emitted when the operator funds an
// account.
func NewCreditedEvent(addr common.Address, amount, balance *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeAccountCredited,
		Attributes: map[string]string{
			"address": addr.Hex(),
			"amount":  cloneBigInt(amount).String(),
			"balance": cloneBigInt(balance).String(),
		},
	}
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["status"] = e.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
