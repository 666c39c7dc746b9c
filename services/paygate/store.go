package paygate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// SettlementState is the reservation status stored for a payment.
type SettlementState int

const (
	// SettlementNew indicates the payment was newly reserved by this request.
	SettlementNew SettlementState = iota
	// SettlementPending indicates another request is processing the payment.
	SettlementPending
	// SettlementSettled indicates the payment has already been settled.
	SettlementSettled
)

// SettlementStore deduplicates payments so a payload is settled at most once.
// Failed attempts are released and may be retried.
type SettlementStore interface {
	Reserve(key string) (SettlementState, error)
	MarkSettled(key string) error
	Release(key string) error
	Close() error
}

// PaymentKey derives the idempotency key of a decoded X-PAYMENT payload.
func PaymentKey(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

const (
	statePending = "pending"
	stateSettled = "settled"
)

var bucketSettlements = []byte("settlements")

// BoltStore persists settlement reservations in a bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the settlement database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettlements)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve marks a payment as pending and returns its prior state.
func (s *BoltStore) Reserve(key string) (SettlementState, error) {
	if s == nil || s.db == nil {
		return SettlementPending, fmt.Errorf("settlement store not initialised")
	}
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return SettlementPending, fmt.Errorf("payment key required")
	}
	var state SettlementState
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSettlements)
		k := []byte(trimmed)
		existing := bucket.Get(k)
		if existing == nil {
			state = SettlementNew
			return bucket.Put(k, []byte(statePending))
		}
		if string(existing) == stateSettled {
			state = SettlementSettled
		} else {
			state = SettlementPending
		}
		return nil
	})
	if err != nil {
		return SettlementPending, err
	}
	return state, nil
}

// MarkSettled records the payment as settled.
func (s *BoltStore) MarkSettled(key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settlement store not initialised")
	}
	trimmed := strings.TrimSpace(key)
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSettlements)
		k := []byte(trimmed)
		if bucket.Get(k) == nil {
			return fmt.Errorf("payment %s not reserved", trimmed)
		}
		return bucket.Put(k, []byte(stateSettled))
	})
}

// Release removes a pending reservation so the payment can be retried.
func (s *BoltStore) Release(key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settlement store not initialised")
	}
	trimmed := strings.TrimSpace(key)
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSettlements)
		k := []byte(trimmed)
		if val := bucket.Get(k); val != nil && string(val) == statePending {
			return bucket.Delete(k)
		}
		return nil
	})
}

// MemoryStore keeps reservations in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (s *MemoryStore) Reserve(key string) (SettlementState, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return SettlementPending, fmt.Errorf("payment key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.entries[trimmed] {
	case "":
		s.entries[trimmed] = statePending
		return SettlementNew, nil
	case stateSettled:
		return SettlementSettled, nil
	default:
		return SettlementPending, nil
	}
}

func (s *MemoryStore) MarkSettled(key string) error {
	trimmed := strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[trimmed]; !ok {
		return fmt.Errorf("payment %s not reserved", trimmed)
	}
	s.entries[trimmed] = stateSettled
	return nil
}

func (s *MemoryStore) Release(key string) error {
	trimmed := strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[trimmed] == statePending {
		delete(s.entries, trimmed)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
