package vaultd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"vaultescrow/core/events"
	"vaultescrow/core/types"
	"vaultescrow/observability"
)

const (
	// AttrSequence is added to every indexed event before it is forwarded.
	AttrSequence = "sequence"

	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// IndexedEvent is a ledger event with its position in the index.
type IndexedEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	EscrowID   uint64            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// EventQuery filters Query results.
type EventQuery struct {
	After    int64
	Limit    int
	Type     string
	EscrowID uint64
}

// Indexer persists ledger events to SQLite with a monotonically increasing
// sequence and forwards them, tagged with that sequence, to next.
type Indexer struct {
	db     *sql.DB
	next   events.Emitter
	logger *slog.Logger
	nowFn  func() time.Time
	mu     sync.Mutex
}

type sequencedEvent struct {
	evt *types.Event
}

func (e sequencedEvent) EventType() string   { return e.evt.Type }
func (e sequencedEvent) Event() *types.Event { return e.evt }

// OpenIndexer opens (or creates) the SQLite event index at path.
func OpenIndexer(path string, next events.Emitter, logger *slog.Logger) (*Indexer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	idx, err := NewIndexer(db, next, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// NewIndexer wraps an open database handle and ensures the schema exists.
func NewIndexer(db *sql.DB, next events.Emitter, logger *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: nil database")
	}
	if next == nil {
		next = events.NoopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Indexer{db: db, next: next, logger: logger, nowFn: time.Now}
	if err := idx.init(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *Indexer) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS ledger_events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            escrow_id INTEGER,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_escrow ON ledger_events(escrow_id, sequence);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events(type, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := i.db.Exec(stmt); err != nil {
			return fmt.Errorf("indexer schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (i *Indexer) Close() error {
	if i == nil || i.db == nil {
		return nil
	}
	return i.db.Close()
}

// Emit implements events.Emitter. Persistence failures are logged and the
// event is still forwarded without a sequence.
func (i *Indexer) Emit(evt events.Event) {
	if i == nil || evt == nil || evt.Event() == nil {
		return
	}
	payload := evt.Event().Clone()
	if payload.Attributes == nil {
		payload.Attributes = map[string]string{}
	}
	seq, err := i.insert(context.Background(), payload)
	if err != nil {
		i.logger.Error("index ledger event", slog.String("type", payload.Type), slog.Any("error", err))
	} else {
		payload.Attributes[AttrSequence] = strconv.FormatInt(seq, 10)
		observability.Ledger().RecordIndexed()
	}
	i.next.Emit(sequencedEvent{evt: payload})
}

func (i *Indexer) insert(ctx context.Context, evt *types.Event) (int64, error) {
	data, err := json.Marshal(evt.Attributes)
	if err != nil {
		return 0, err
	}
	var escrowID sql.NullInt64
	if raw := evt.Attr("id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			escrowID = sql.NullInt64{Int64: id, Valid: true}
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	const stmt = `INSERT INTO ledger_events(type, escrow_id, payload, created_at) VALUES (?, ?, ?, ?)`
	res, err := i.db.ExecContext(ctx, stmt, evt.Type, escrowID, string(data), i.nowFn().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Query returns indexed events ordered by sequence.
func (i *Indexer) Query(ctx context.Context, q EventQuery) ([]IndexedEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	query := `SELECT sequence, type, escrow_id, payload, created_at FROM ledger_events WHERE sequence > ?`
	args := []interface{}{q.After}
	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, q.Type)
	}
	if q.EscrowID != 0 {
		query += ` AND escrow_id = ?`
		args = append(args, int64(q.EscrowID))
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]IndexedEvent, 0)
	for rows.Next() {
		var (
			evt      IndexedEvent
			escrowID sql.NullInt64
			payload  string
		)
		if err := rows.Scan(&evt.Sequence, &evt.Type, &escrowID, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if escrowID.Valid {
			evt.EscrowID = uint64(escrowID.Int64)
		}
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", evt.Sequence, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// LastSequence returns the highest sequence written so far, zero when empty.
func (i *Indexer) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := i.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger_events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
