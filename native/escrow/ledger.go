package escrow

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"vaultescrow/core/events"
	"vaultescrow/core/types"
)

// DefaultMinimumFee is the protocol overhead every escrow creation must attach
// (0.06 of the native unit at 18 decimals).
var DefaultMinimumFee = new(big.Int).Mul(big.NewInt(6), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))

// Store is the transactional view of ledger state handed to operations by a
// Backend. Writes made through a Store become visible atomically when the
// enclosing Update returns nil and are discarded otherwise.
type Store interface {
	EscrowCount() (uint64, error)
	SetEscrowCount(n uint64) error
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowPut(e *Escrow) error
	EscrowCustody(id uint64) (*big.Int, error)
	EscrowCredit(id uint64, amt *big.Int) error
	EscrowDebit(id uint64, amt *big.Int) error
	Balance(addr common.Address) (*big.Int, error)
	SetBalance(addr common.Address, amt *big.Int) error
}

// Backend serialises ledger operations into a single total order.
type Backend interface {
	Update(fn func(Store) error) error
	View(fn func(Store) error) error
}

// Ledger is the custodial authority over conditional escrows. It enforces the
// lifecycle state machine and moves funds between buyer, seller, treasury and
// per-escrow custody. It never calls the verification oracle.
type Ledger struct {
	// writeMu spans commit and emission so events leave in commit order.
	writeMu       sync.Mutex
	backend       Backend
	emitter       events.Emitter
	nowFn         func() int64
	minimumFee    *big.Int
	feeTreasury   common.Address
	decryptor     common.Address
	attestor      common.Address
	minConfidence uint8
	ledgerID      string
}

// NewLedger creates a ledger on top of backend with a no-op emitter and the
// default minimum fee.
func NewLedger(backend Backend) *Ledger {
	return &Ledger{
		backend:    backend,
		emitter:    events.NoopEmitter{},
		nowFn:      func() int64 { return time.Now().Unix() },
		minimumFee: new(big.Int).Set(DefaultMinimumFee),
	}
}

// SetEmitter configures the event emitter used by the ledger. Passing nil resets
// the emitter to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source used by the ledger. Primarily intended
// for tests to provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// SetMinimumFee overrides the fee required by Create. Nil or negative values
// reset it to zero.
func (l *Ledger) SetMinimumFee(fee *big.Int) {
	if fee == nil || fee.Sign() < 0 {
		l.minimumFee = big.NewInt(0)
		return
	}
	l.minimumFee = new(big.Int).Set(fee)
}

// MinimumFee returns a copy of the fee required by Create.
func (l *Ledger) MinimumFee() *big.Int { return cloneBigInt(l.minimumFee) }

// SetFeeTreasury configures the address that receives creation fees.
func (l *Ledger) SetFeeTreasury(addr common.Address) { l.feeTreasury = addr }

// FeeTreasury returns the configured fee treasury.
func (l *Ledger) FeeTreasury() common.Address { return l.feeTreasury }

// SetDecryptor configures the only address allowed to record revealed terms.
func (l *Ledger) SetDecryptor(addr common.Address) { l.decryptor = addr }

// SetAttestor makes releases conditional on a verdict signed by addr with at
// least minConfidence. The zero address disables the requirement.
func (l *Ledger) SetAttestor(addr common.Address, minConfidence uint8) {
	l.attestor = addr
	l.minConfidence = minConfidence
}

// SetLedgerID names this deployment. Attestations must carry the same id.
func (l *Ledger) SetLedgerID(id string) { l.ledgerID = id }

// LedgerID returns the deployment name attestations are bound to.
func (l *Ledger) LedgerID() string { return l.ledgerID }

// Attestor returns the configured verdict signer, if any.
func (l *Ledger) Attestor() (common.Address, uint8) { return l.attestor, l.minConfidence }

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

// update runs fn inside a backend transaction and emits the events it queued
// once the transaction has committed. No other write commits until the
// emission finishes.
func (l *Ledger) update(fn func(Store, *[]*types.Event) error) error {
	if l == nil || l.backend == nil {
		return errNilBackend
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	var pending []*types.Event
	err := l.backend.Update(func(st Store) error {
		pending = pending[:0]
		return fn(st, &pending)
	})
	if err != nil {
		return err
	}
	for _, evt := range pending {
		l.emitter.Emit(escrowEvent{evt: evt})
	}
	return nil
}

func (l *Ledger) view(fn func(Store) error) error {
	if l == nil || l.backend == nil {
		return errNilBackend
	}
	return l.backend.View(fn)
}

// Credit adds amount to addr's spendable balance. It is the operator funding
// path for accounts.
func (l *Ledger) Credit(addr common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: cannot credit the zero address", ErrInvalidAmount)
	}
	var balance *big.Int
	err := l.update(func(st Store, out *[]*types.Event) error {
		var err error
		balance, err = addBalance(st, addr, amount)
		if err != nil {
			return err
		}
		*out = append(*out, NewCreditedEvent(addr, amount, balance))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Balance returns addr's spendable balance.
func (l *Ledger) Balance(addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := l.view(func(st Store) error {
		var err error
		balance, err = st.Balance(addr)
		return err
	})
	return cloneBigInt(balance), err
}

// Create locks deposit from buyer's balance in a new escrow for seller. The
// minimum fee is moved to the treasury and the remainder is held in custody
// until release or refund. It returns the new escrow id.
func (l *Ledger) Create(buyer, seller common.Address, timeout uint64, conditionHash common.Hash, encryptedTerms []byte, deposit *big.Int) (uint64, error) {
	if seller == (common.Address{}) {
		return 0, ErrInvalidSeller
	}
	if seller == buyer {
		return 0, ErrSelfEscrow
	}
	if timeout == 0 {
		return 0, ErrInvalidTimeout
	}
	paid := cloneBigInt(deposit)
	if paid.Cmp(l.minimumFee) < 0 {
		return 0, fmt.Errorf("%w: got %s, need %s", ErrInsufficientGasPayment, paid, l.minimumFee)
	}
	fee := cloneBigInt(l.minimumFee)
	custody := new(big.Int).Sub(paid, fee)

	var id uint64
	err := l.update(func(st Store, out *[]*types.Event) error {
		if err := subBalance(st, buyer, paid); err != nil {
			return err
		}
		if fee.Sign() > 0 {
			if _, err := addBalance(st, l.feeTreasury, fee); err != nil {
				return err
			}
		}
		count, err := st.EscrowCount()
		if err != nil {
			return err
		}
		id = count + 1
		esc := &Escrow{
			ID:             id,
			Buyer:          buyer,
			Seller:         seller,
			Amount:         big.NewInt(0),
			Status:         StatusActive,
			CreatedAt:      l.now(),
			Timeout:        timeout,
			ConditionHash:  conditionHash,
			EncryptedTerms: append([]byte(nil), encryptedTerms...),
		}
		if err := st.EscrowPut(esc); err != nil {
			return err
		}
		if err := st.EscrowCredit(id, custody); err != nil {
			return err
		}
		if err := st.SetEscrowCount(id); err != nil {
			return err
		}
		*out = append(*out, NewCreatedEvent(esc))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Release pays the full custodied amount to the seller and closes the escrow.
// The ledger does not judge the condition; when an attestor is configured the
// caller must use ReleaseAttested instead.
func (l *Ledger) Release(id uint64, receiptURI string) error {
	return l.release(id, receiptURI, nil)
}

// ReleaseAttested releases the escrow after checking a signed verdict from the
// configured attestor. Without a configured attestor it behaves like Release.
func (l *Ledger) ReleaseAttested(id uint64, receiptURI string, att *Attestation) error {
	if l.attestor == (common.Address{}) {
		return l.release(id, receiptURI, nil)
	}
	if att == nil {
		return ErrAttestationRequired
	}
	return l.release(id, receiptURI, att)
}

func (l *Ledger) release(id uint64, receiptURI string, att *Attestation) error {
	return l.update(func(st Store, out *[]*types.Event) error {
		esc, err := loadActive(st, id)
		if err != nil {
			return err
		}
		if l.attestor != (common.Address{}) {
			if err := l.checkAttestation(esc, att); err != nil {
				return err
			}
			*out = append(*out, NewConditionVerifiedEvent(esc, att))
		}
		custody, err := st.EscrowCustody(id)
		if err != nil {
			return err
		}
		if err := st.EscrowDebit(id, custody); err != nil {
			return err
		}
		if _, err := addBalance(st, esc.Seller, custody); err != nil {
			return err
		}
		if !esc.Decrypted {
			esc.Amount = cloneBigInt(custody)
			esc.Decrypted = true
			*out = append(*out, NewDecryptedEvent(esc))
		}
		esc.Status = StatusReleased
		esc.ReceiptURI = receiptURI
		if err := st.EscrowPut(esc); err != nil {
			return err
		}
		*out = append(*out, NewReleasedEvent(esc))
		return nil
	})
}

// ClaimRefund returns the custodied amount to the buyer once the timeout has
// elapsed. Anyone may trigger it; funds only ever go to the buyer.
func (l *Ledger) ClaimRefund(id uint64) error {
	return l.update(func(st Store, out *[]*types.Event) error {
		esc, err := loadActive(st, id)
		if err != nil {
			return err
		}
		if now := l.now(); now < esc.RefundAt() {
			return fmt.Errorf("%w: refundable at %d, now %d", ErrTimeoutNotElapsed, esc.RefundAt(), now)
		}
		custody, err := st.EscrowCustody(id)
		if err != nil {
			return err
		}
		if err := st.EscrowDebit(id, custody); err != nil {
			return err
		}
		if _, err := addBalance(st, esc.Buyer, custody); err != nil {
			return err
		}
		esc.Status = StatusRefunded
		if err := st.EscrowPut(esc); err != nil {
			return err
		}
		*out = append(*out, NewRefundedEvent(esc, custody))
		return nil
	})
}

// Dispute freezes an active escrow on behalf of its buyer or seller. No funds
// move and neither release nor refund is possible afterwards.
func (l *Ledger) Dispute(caller common.Address, id uint64) error {
	return l.update(func(st Store, out *[]*types.Event) error {
		esc, err := loadActive(st, id)
		if err != nil {
			return err
		}
		if caller != esc.Buyer && caller != esc.Seller {
			return fmt.Errorf("%w: only buyer or seller may dispute", ErrUnauthorized)
		}
		esc.Status = StatusDisputed
		if err := st.EscrowPut(esc); err != nil {
			return err
		}
		*out = append(*out, NewDisputedEvent(esc, caller))
		return nil
	})
}

// RecordDecryption reveals the escrow amount on behalf of the confidentiality
// service. The revealed amount must match what the escrow custodies.
func (l *Ledger) RecordDecryption(caller common.Address, id uint64, amount *big.Int) error {
	if l.decryptor == (common.Address{}) || caller != l.decryptor {
		return fmt.Errorf("%w: not the decryption authority", ErrUnauthorized)
	}
	return l.update(func(st Store, out *[]*types.Event) error {
		esc, ok, err := st.EscrowGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrEscrowNotFound
		}
		if esc.Decrypted {
			return ErrAlreadyDecrypted
		}
		if esc.Status == StatusRefunded {
			return ErrNotActive
		}
		custody, err := st.EscrowCustody(id)
		if err != nil {
			return err
		}
		if cloneBigInt(amount).Cmp(custody) != 0 {
			return ErrAmountMismatch
		}
		esc.Amount = cloneBigInt(custody)
		esc.Decrypted = true
		if err := st.EscrowPut(esc); err != nil {
			return err
		}
		*out = append(*out, NewDecryptedEvent(esc))
		return nil
	})
}

// GetEscrow returns the observable record for id. Unknown ids yield a zero
// record whose buyer is the null address rather than an error.
func (l *Ledger) GetEscrow(id uint64) (*Escrow, error) {
	var esc *Escrow
	err := l.view(func(st Store) error {
		stored, ok, err := st.EscrowGet(id)
		if err != nil {
			return err
		}
		if ok {
			esc = stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc.View(), nil
}

// Custody returns the amount currently held for id.
func (l *Ledger) Custody(id uint64) (*big.Int, error) {
	var custody *big.Int
	err := l.view(func(st Store) error {
		var err error
		custody, err = st.EscrowCustody(id)
		return err
	})
	return cloneBigInt(custody), err
}

// EscrowCount returns the number of escrows ever created.
func (l *Ledger) EscrowCount() (uint64, error) {
	var count uint64
	err := l.view(func(st Store) error {
		var err error
		count, err = st.EscrowCount()
		return err
	})
	return count, err
}

func loadActive(st Store, id uint64) (*Escrow, error) {
	esc, ok, err := st.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || esc.Status != StatusActive {
		return nil, ErrNotActive
	}
	return esc, nil
}

func addBalance(st Store, addr common.Address, amount *big.Int) (*big.Int, error) {
	current, err := st.Balance(addr)
	if err != nil {
		return nil, err
	}
	x, overflow := uint256.FromBig(cloneBigInt(current))
	if overflow {
		return nil, fmt.Errorf("escrow: balance of %s exceeds 256 bits", addr.Hex())
	}
	y, overflow := uint256.FromBig(cloneBigInt(amount))
	if overflow {
		return nil, fmt.Errorf("escrow: amount exceeds 256 bits")
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("escrow: balance overflow for %s", addr.Hex())
	}
	next := sum.ToBig()
	if err := st.SetBalance(addr, next); err != nil {
		return nil, err
	}
	return next, nil
}

func subBalance(st Store, addr common.Address, amount *big.Int) error {
	current, err := st.Balance(addr)
	if err != nil {
		return err
	}
	current = cloneBigInt(current)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, current, amount)
	}
	return st.SetBalance(addr, new(big.Int).Sub(current, amount))
}

// refundAt saturates instead of overflowing for very large timeouts.
func refundAt(createdAt int64, timeout uint64) int64 {
	if timeout > uint64(math.MaxInt64-createdAt) {
		return math.MaxInt64
	}
	return createdAt + int64(timeout)
}
