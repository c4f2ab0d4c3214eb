// Package ledger implements the append-only, hash-chained audit log. Every
// component in the pipeline writes here; tampering with any stored entry
// breaks the forward link and is caught by the next validation pass.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/clearlane/payguard/internal/crypto"
)

// GenesisHash is the fixed previous-hash sentinel of the first entry.
const GenesisHash = "genesis"

const hashLen = 32

type EventType string

const (
	EventIntentReceived     EventType = "INTENT_RECEIVED"
	EventIntentValidated    EventType = "INTENT_VALIDATED"
	EventIntentRejected     EventType = "INTENT_REJECTED"
	EventContextFetched     EventType = "CONTEXT_FETCHED"
	EventPolicyEvaluated    EventType = "POLICY_EVALUATED"
	EventExecutionStarted   EventType = "EXECUTION_STARTED"
	EventExecutionCompleted EventType = "EXECUTION_COMPLETED"
	EventExecutionFailed    EventType = "EXECUTION_FAILED"
	EventConsentIssued      EventType = "CONSENT_ISSUED"
	EventConsentConsumed    EventType = "CONSENT_CONSUMED"
	EventUserFeedback       EventType = "USER_FEEDBACK"
)

// Entry is immutable after creation. The hash is computed once at append
// time and stored as a plain field; it is never recomputed from live state.
type Entry struct {
	EntryID       string         `json:"entry_id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	PreviousHash  string         `json:"previous_hash"`
	Hash          string         `json:"hash"`
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
}

// AppendOptions carries the optional correlation ids for an entry.
type AppendOptions struct {
	UserID        string
	SessionID     string
	TransactionID string
}

// ValidationResult reports the outcome of a full chain walk. BrokenAt is the
// index of the first entry whose link fails, nil for a valid chain.
type ValidationResult struct {
	IsValid      bool   `json:"is_valid"`
	TotalEntries int    `json:"total_entries"`
	BrokenAt     *int   `json:"broken_at,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Ledger is the append-only store. Appends serialize on a single writer lock
// so two entries can never chain from the same previous hash.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.Mutex
	lastHash string

	now func() time.Time
}

// Open opens (or creates) the ledger database at dsn. Pass ":memory:" for an
// in-memory ledger.
func Open(dsn string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// The modernc sqlite driver serializes writes per connection; keep one
	// connection so the writer lock above is the only ordering that matters.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	l := &Ledger{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	last, err := l.loadLastHash()
	if err != nil {
		db.Close()
		return nil, err
	}
	l.lastHash = last

	return l, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			user_id TEXT,
			session_id TEXT,
			transaction_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user_id ON ledger(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transaction_id ON ledger(transaction_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create ledger tables: %w", err)
		}
	}
	return nil
}

// Append writes a new entry chained to the most recent one. The read of the
// cached last hash and the insert happen under one lock; no scan is needed.
func (l *Ledger) Append(eventType EventType, payload map[string]any, opts AppendOptions) (Entry, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EntryID:       "entry_" + uuid.NewString(),
		Timestamp:     l.now(),
		EventType:     eventType,
		Payload:       payload,
		PreviousHash:  l.lastHash,
		UserID:        opts.UserID,
		SessionID:     opts.SessionID,
		TransactionID: opts.TransactionID,
	}

	hash, payloadJSON, err := computeEntryHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash

	_, err = l.db.Exec(`INSERT INTO ledger
		(entry_id, timestamp, event_type, payload, previous_hash, hash, user_id, session_id, transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID,
		entry.Timestamp.Format(time.RFC3339Nano),
		string(entry.EventType),
		string(payloadJSON),
		entry.PreviousHash,
		entry.Hash,
		nullable(entry.UserID),
		nullable(entry.SessionID),
		nullable(entry.TransactionID),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("append ledger entry: %w", err)
	}

	l.lastHash = entry.Hash
	l.logger.Debug("ledger append", "event_type", eventType, "entry_id", entry.EntryID)

	return entry, nil
}

// Entry returns a single entry by id.
func (l *Ledger) Entry(entryID string) (Entry, error) {
	row := l.db.QueryRow(selectCols+` FROM ledger WHERE entry_id = ?`, entryID)
	return scanEntry(row)
}

// EntriesByTransaction returns the entries for a transaction in insertion order.
func (l *Ledger) EntriesByTransaction(transactionID string) ([]Entry, error) {
	return l.queryEntries(selectCols+` FROM ledger WHERE transaction_id = ? ORDER BY seq ASC`, transactionID)
}

// EntriesByUser returns the most recent entries for a user, newest first.
func (l *Ledger) EntriesByUser(userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.queryEntries(selectCols+` FROM ledger WHERE user_id = ? ORDER BY seq DESC LIMIT ?`, userID, limit)
}

// RecentEntries returns the most recent entries, newest first.
func (l *Ledger) RecentEntries(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.queryEntries(selectCols+` FROM ledger ORDER BY seq DESC LIMIT ?`, limit)
}

// EntryCount returns the total number of entries.
func (l *Ledger) EntryCount() (int, error) {
	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM ledger`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// ValidateChain walks every entry in insertion order, recomputes each hash
// from the stored fields, and checks the forward links. The first break wins.
func (l *Ledger) ValidateChain() (ValidationResult, error) {
	entries, err := l.queryEntries(selectCols + ` FROM ledger ORDER BY seq ASC`)
	if err != nil {
		return ValidationResult{}, err
	}

	if len(entries) == 0 {
		return ValidationResult{IsValid: true}, nil
	}

	if entries[0].PreviousHash != GenesisHash {
		return brokenResult(len(entries), 0, "first entry does not chain from genesis"), nil
	}

	for i, entry := range entries {
		recomputed, _, err := computeEntryHash(entry)
		if err != nil {
			return ValidationResult{}, err
		}
		if recomputed != entry.Hash {
			return brokenResult(len(entries), i, fmt.Sprintf("entry %d content does not match its stored hash", i)), nil
		}
		if i+1 < len(entries) && entries[i+1].PreviousHash != entry.Hash {
			return brokenResult(len(entries), i+1, fmt.Sprintf("chain broken at entry %d: previous hash does not match", i+1)), nil
		}
	}

	l.logger.Info("ledger chain validated", "entries", len(entries))
	return ValidationResult{IsValid: true, TotalEntries: len(entries)}, nil
}

// computeEntryHash digests the canonical encoding of the chain-relevant
// fields. Correlation ids are deliberately outside the hash, matching the
// stored record format.
func computeEntryHash(entry Entry) (string, []byte, error) {
	payloadJSON, err := crypto.Canonicalize(entry.Payload)
	if err != nil {
		return "", nil, err
	}

	canonical, err := crypto.Canonicalize(map[string]any{
		"previous_hash": entry.PreviousHash,
		"timestamp":     entry.Timestamp.Format(time.RFC3339Nano),
		"event_type":    string(entry.EventType),
		"payload":       entry.Payload,
		"entry_id":      entry.EntryID,
	})
	if err != nil {
		return "", nil, err
	}

	return crypto.ShortDigestHex(canonical, hashLen), payloadJSON, nil
}

const selectCols = `SELECT entry_id, timestamp, event_type, payload, previous_hash, hash, user_id, session_id, transaction_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry     Entry
		ts        string
		eventType string
		payload   string
		userID    sql.NullString
		sessionID sql.NullString
		txnID     sql.NullString
	)
	err := row.Scan(&entry.EntryID, &ts, &eventType, &payload, &entry.PreviousHash, &entry.Hash, &userID, &sessionID, &txnID)
	if err != nil {
		return Entry{}, err
	}

	entry.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger timestamp: %w", err)
	}
	entry.EventType = EventType(eventType)
	// Decode numbers as json.Number so hash recomputation sees the exact
	// stored text, not a float64 round trip.
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&entry.Payload); err != nil {
		return Entry{}, fmt.Errorf("ledger payload: %w", err)
	}
	entry.UserID = userID.String
	entry.SessionID = sessionID.String
	entry.TransactionID = txnID.String

	return entry, nil
}

func (l *Ledger) queryEntries(query string, args ...any) ([]Entry, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (l *Ledger) loadLastHash() (string, error) {
	var hash string
	err := l.db.QueryRow(`SELECT hash FROM ledger ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("load last hash: %w", err)
	}
	return hash, nil
}

func brokenResult(total, at int, msg string) ValidationResult {
	return ValidationResult{TotalEntries: total, BrokenAt: &at, Error: msg}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
