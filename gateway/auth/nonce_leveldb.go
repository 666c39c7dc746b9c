package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	'n' | address(20) | len(timestamp)(2) | timestamp | nonce  -> observed nanos (8)
//	'o' | observed nanos(8) | address(20) | len(timestamp)(2) | timestamp | nonce -> empty
//
// The 'o' index sorts by observation time so pruning is a single range scan.
const (
	nonceTag    byte = 'n'
	observedTag byte = 'o'
)

// LevelDBNoncePersistence keeps signed-request nonces in a LevelDB directory
// next to the ledger database.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records a nonce for the signing account. It reports true when
// the same (address, timestamp, nonce) was already stored, refreshing its
// observation time.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, errPersistenceUnset
	}
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if record.Address == (common.Address{}) || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	if len(ts) > 0xffff {
		return false, fmt.Errorf("nonce timestamp too long")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	suffix := nonceSuffix(record.Address, ts, nonce)
	nonceKey := append([]byte{nonceTag}, suffix...)

	existing, err := p.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		previous := decodeNanos(existing)
		if next := observed.UnixNano(); next > previous {
			batch := new(leveldb.Batch)
			batch.Put(nonceKey, encodeNanos(next))
			batch.Delete(observedKey(previous, suffix))
			batch.Put(observedKey(next, suffix), nil)
			if err := p.db.Write(batch, nil); err != nil {
				return false, fmt.Errorf("update observed nonce: %w", err)
			}
		}
		return true, nil
	}

	nanos := observed.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeNanos(nanos))
	batch.Put(observedKey(nanos, suffix), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns nonces observed at or after cutoff, oldest first.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, errPersistenceUnset
	}
	iter := p.db.NewIterator(&util.Range{Start: observedKey(cutoff.UnixNano(), nil), Limit: []byte{observedTag + 1}}, nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := iter.Key()
		if len(key) < 9 {
			continue
		}
		addr, ts, nonce, ok := parseNonceSuffix(key[9:])
		if !ok {
			continue
		}
		records = append(records, NonceRecord{
			Address:    addr,
			Timestamp:  ts,
			Nonce:      nonce,
			ObservedAt: time.Unix(0, decodeNanos(key[1:9])).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return errPersistenceUnset
	}
	iter := p.db.NewIterator(&util.Range{Start: []byte{observedTag}, Limit: observedKey(cutoff.UnixNano(), nil)}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := iter.Key()
		if len(key) < 9 {
			continue
		}
		batch.Delete(append([]byte(nil), key...))
		batch.Delete(append([]byte{nonceTag}, key[9:]...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func nonceSuffix(addr common.Address, ts, nonce string) []byte {
	out := make([]byte, 0, common.AddressLength+2+len(ts)+len(nonce))
	out = append(out, addr.Bytes()...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(ts)))
	out = append(out, ts...)
	return append(out, nonce...)
}

func parseNonceSuffix(b []byte) (common.Address, string, string, bool) {
	if len(b) < common.AddressLength+2 {
		return common.Address{}, "", "", false
	}
	addr := common.BytesToAddress(b[:common.AddressLength])
	rest := b[common.AddressLength:]
	tsLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) <= tsLen {
		return common.Address{}, "", "", false
	}
	return addr, string(rest[:tsLen]), string(rest[tsLen:]), true
}

func observedKey(nanos int64, suffix []byte) []byte {
	out := make([]byte, 0, 9+len(suffix))
	out = append(out, observedTag)
	out = append(out, encodeNanos(nanos)...)
	return append(out, suffix...)
}

func encodeNanos(nanos int64) []byte {
	if nanos < 0 {
		nanos = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

func decodeNanos(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
