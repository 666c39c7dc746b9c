package auth

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultescrow/crypto"
)

const (
	// HeaderAddress names the account the caller claims to act for.
	HeaderAddress = "X-Vault-Address"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Vault-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Vault-Nonce"
	// HeaderSignature carries the hex-encoded EIP-191 signature for the request.
	HeaderSignature = "X-Vault-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew  = 5 * time.Minute
	defaultTimestampSkew     = 2 * time.Minute
	maxNonceWindow           = 10 * time.Minute
	defaultNonceWindow       = maxNonceWindow
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

var (
	ErrMissingHeader    = errors.New("auth: missing signature header")
	ErrBadTimestamp     = errors.New("auth: timestamp outside allowed skew")
	ErrBadSignature     = errors.New("auth: invalid signature")
	ErrAddressMismatch  = errors.New("auth: signature does not match address")
	ErrNonceReplayed    = errors.New("auth: nonce already used")
	ErrBodyTooLarge     = errors.New("auth: request body too large")
	errPersistenceUnset = errors.New("leveldb persistence not configured")
)

// Principal is the account proven by a signed request.
type Principal struct {
	Address common.Address
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Address    common.Address
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for nonce usage so replays are
// still rejected after a restart.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies EIP-191 signed requests.
type Authenticator struct {
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[common.Address]*nonceStore

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator. Zero values select defaults and
// oversized windows are clamped.
func NewAuthenticator(skew time.Duration, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &Authenticator{
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        nonceCapacity,
		nowFn:                nowFn,
		nonces:               make(map[common.Address]*nonceStore),
		persistence:          persistence,
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, ErrBodyTooLarge
	}
	addrHeader := strings.TrimSpace(r.Header.Get(HeaderAddress))
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	sigHeader := strings.TrimSpace(r.Header.Get(HeaderSignature))
	for name, v := range map[string]string{
		HeaderAddress:   addrHeader,
		HeaderTimestamp: timestampHeader,
		HeaderNonce:     nonce,
		HeaderSignature: sigHeader,
	} {
		if v == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingHeader, name)
		}
	}
	claimed, err := crypto.ParseAddress(addrHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("%w of %s", ErrBadTimestamp, a.allowedTimestampSkew)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(sigHeader, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	msg := CanonicalMessage(r.Method, CanonicalRequestPath(r), timestampHeader, nonce, body)
	signer, err := crypto.RecoverMessage(msg, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != claimed {
		return nil, ErrAddressMismatch
	}
	duplicate, err := a.registerNonce(r.Context(), signer, timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, ErrNonceReplayed
	}
	return &Principal{Address: signer}, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if rec.Address == (common.Address{}) || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonceStore(rec.Address).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

// NonceWindow reports how long a nonce stays reserved.
func (a *Authenticator) NonceWindow() time.Duration { return a.nonceTTL }

func (a *Authenticator) registerNonce(ctx context.Context, addr common.Address, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.nonceStore(addr)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			Address:    addr,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	return cache.Seen(composite, now), nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

func (a *Authenticator) nonceStore(addr common.Address) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[addr]
	if ok {
		return cache
	}
	cache = newNonceStore(a.nonceTTL, a.nonceCapacity)
	a.nonces[addr] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// CanonicalMessage is the text a caller signs with the EIP-191 personal
// message prefix.
func CanonicalMessage(method, path, timestamp, nonce string, body []byte) []byte {
	digest := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
}

// SignRequest sets the signature headers on r for key. The body must be the
// exact bytes that will be sent.
func SignRequest(r *http.Request, key *crypto.PrivateKey, body []byte, now time.Time, nonce string) error {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	sig, err := crypto.SignMessage(key, CanonicalMessage(r.Method, CanonicalRequestPath(r), timestamp, nonce, body))
	if err != nil {
		return err
	}
	r.Header.Set(HeaderAddress, key.Address().Hex())
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen returns true if the nonce was already observed within the TTL window
// and records it otherwise.
func (n *nonceStore) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true
	}
	n.insertLocked(key, now)
	return false
}

// Contains reports whether the nonce has been observed without recording it.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceStore) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		n.evictFront()
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		if !front.Value.(nonceEntry).ts.Before(cutoff) {
			return
		}
		n.evictFront()
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	delete(n.entries, entry.key)
	n.order.Remove(front)
}
