package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"vaultescrow/native/escrow"
	"vaultescrow/storage"
)

// Manager persists ledger state in a key-value database. Every Update runs
// under an exclusive lock against a write overlay and is committed as one
// storage batch, so an operation either lands completely or not at all.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Update implements escrow.Backend.
func (m *Manager) Update(fn func(escrow.Store) error) error {
	if m == nil || m.db == nil {
		return errors.New("state: database not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newTx(m.db)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View implements escrow.Backend. Writes made by fn are discarded.
func (m *Manager) View(fn func(escrow.Store) error) error {
	if m == nil || m.db == nil {
		return errors.New("state: database not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newTx(m.db))
}

type escrowRecord struct {
	ID             uint64
	Buyer          common.Address
	Seller         common.Address
	Amount         *big.Int
	Status         uint8
	CreatedAt      uint64
	Timeout        uint64
	ConditionHash  common.Hash
	EncryptedTerms []byte
	ReceiptURI     string
	Decrypted      bool
}

func newEscrowRecord(e *escrow.Escrow) *escrowRecord {
	return &escrowRecord{
		ID:             e.ID,
		Buyer:          e.Buyer,
		Seller:         e.Seller,
		Amount:         e.Amount,
		Status:         uint8(e.Status),
		CreatedAt:      uint64(e.CreatedAt),
		Timeout:        e.Timeout,
		ConditionHash:  e.ConditionHash,
		EncryptedTerms: e.EncryptedTerms,
		ReceiptURI:     e.ReceiptURI,
		Decrypted:      e.Decrypted,
	}
}

func (r *escrowRecord) toEscrow() *escrow.Escrow {
	amount := r.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return &escrow.Escrow{
		ID:             r.ID,
		Buyer:          r.Buyer,
		Seller:         r.Seller,
		Amount:         new(big.Int).Set(amount),
		Status:         escrow.Status(r.Status),
		CreatedAt:      int64(r.CreatedAt),
		Timeout:        r.Timeout,
		ConditionHash:  r.ConditionHash,
		EncryptedTerms: append([]byte(nil), r.EncryptedTerms...),
		ReceiptURI:     r.ReceiptURI,
		Decrypted:      r.Decrypted,
	}
}

// tx is the escrow.Store handed to a single Update or View call.
type tx struct {
	db     storage.Database
	writes map[string][]byte
	order  []string
}

func newTx(db storage.Database) *tx {
	return &tx{db: db, writes: make(map[string][]byte)}
}

func (t *tx) get(key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		return v, nil
	}
	v, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (t *tx) put(key, value []byte) {
	k := string(key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = value
}

func (t *tx) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	t.put(key, encoded)
	return nil
}

func (t *tx) commit() error {
	if len(t.writes) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for _, k := range t.order {
		batch.Put([]byte(k), t.writes[k])
	}
	return batch.Write()
}

func (t *tx) loadBig(key []byte) (*big.Int, error) {
	data, err := t.get(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (t *tx) EscrowCount() (uint64, error) {
	data, err := t.get(escrowCountKey)
	if err != nil || len(data) == 0 {
		return 0, err
	}
	var count uint64
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *tx) SetEscrowCount(n uint64) error {
	return t.putRLP(escrowCountKey, n)
}

func (t *tx) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	data, err := t.get(escrowKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	record := new(escrowRecord)
	if err := rlp.DecodeBytes(data, record); err != nil {
		return nil, false, fmt.Errorf("state: decode escrow %d: %w", id, err)
	}
	return record.toEscrow(), true, nil
}

func (t *tx) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	return t.putRLP(escrowKey(sanitized.ID), newEscrowRecord(sanitized))
}

func (t *tx) EscrowCustody(id uint64) (*big.Int, error) {
	return t.loadBig(escrowCustodyKey(id))
}

func (t *tx) EscrowCredit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid custody credit")
	}
	current, err := t.EscrowCustody(id)
	if err != nil {
		return err
	}
	return t.putRLP(escrowCustodyKey(id), new(big.Int).Add(current, amt))
}

func (t *tx) EscrowDebit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: invalid custody debit")
	}
	current, err := t.EscrowCustody(id)
	if err != nil {
		return err
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("state: custody of escrow %d is %s, cannot debit %s", id, current, amt)
	}
	return t.putRLP(escrowCustodyKey(id), new(big.Int).Sub(current, amt))
}

func (t *tx) Balance(addr common.Address) (*big.Int, error) {
	return t.loadBig(balanceKey(addr))
}

func (t *tx) SetBalance(addr common.Address, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: negative balance for %s", addr.Hex())
	}
	return t.putRLP(balanceKey(addr), amt)
}
