// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hydra/coordinator/shared/logger"

	_ "modernc.org/sqlite"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryAction         EntryType = "ACTION"
	EntryDecision       EntryType = "DECISION"
	EntryHeadConnect    EntryType = "HEAD_CONNECT"
	EntryHeadDisconnect EntryType = "HEAD_DISCONNECT"
	EntryLimbActivate   EntryType = "LIMB_ACTIVATE"
	EntryLimbDeactivate EntryType = "LIMB_DEACTIVATE"
	EntryConsensus      EntryType = "CONSENSUS"
	EntryMemory         EntryType = "MEMORY"
	EntryError          EntryType = "ERROR"
	EntryCheckpoint     EntryType = "CHECKPOINT"
)

// Entry is a single append-only ledger record. SessionID and Signature are
// set by the Ledger on write and must not be supplied by the caller.
type Entry struct {
	ID        string                 `json:"id"`
	EntryType EntryType              `json:"entry_type"`
	Timestamp string                 `json:"timestamp"`
	HeadID    string                 `json:"head_id,omitempty"`
	LimbID    string                 `json:"limb_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Decision  string                 `json:"decision,omitempty"`
	Score     float64                `json:"score,omitempty"`
	ParentID  string                 `json:"parent_id,omitempty"`
	SessionID string                 `json:"session_id"`
	Signature string                 `json:"signature"`
}

// Filter narrows a Query. Zero-valued fields are ignored.
type Filter struct {
	EntryType EntryType
	HeadID    string
	LimbID    string
	Decision  string
	SessionID string
}

// Stats aggregates entry counts by type and by decision.
type Stats struct {
	SessionID   string         `json:"session_id"`
	Total       int            `json:"total"`
	ByType      map[string]int `json:"by_type"`
	ByDecision  map[string]int `json:"by_decision"`
	MemoryFacts int            `json:"memory_facts"`
}

// Ledger is the append-only durable audit store. A single writer lock
// serializes inserts; it is held only for the duration of the INSERT.
type Ledger struct {
	db        *sql.DB
	sessionID string
	secret    []byte
	mu        sync.Mutex
	log       *logger.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	id TEXT PRIMARY KEY,
	entry_type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	head_id TEXT,
	limb_id TEXT,
	action TEXT,
	target TEXT,
	payload JSON,
	decision TEXT,
	score REAL,
	parent_id TEXT,
	session_id TEXT NOT NULL,
	signature TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_session_ts ON ledger(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_ledger_entry_type ON ledger(entry_type);
CREATE INDEX IF NOT EXISTS idx_ledger_head_id ON ledger(head_id);
CREATE INDEX IF NOT EXISTS idx_ledger_limb_id ON ledger(limb_id);
CREATE INDEX IF NOT EXISTS idx_ledger_decision ON ledger(decision);

CREATE TABLE IF NOT EXISTS memory (
	key TEXT PRIMARY KEY,
	value JSON NOT NULL,
	category TEXT NOT NULL DEFAULT 'general',
	importance REAL NOT NULL DEFAULT 0.5,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS active_heads (
	head_id TEXT PRIMARY KEY,
	ai_type TEXT,
	model TEXT,
	callsign TEXT,
	session_id TEXT NOT NULL,
	connected_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS active_limbs (
	limb_id TEXT PRIMARY KEY,
	limb_type TEXT NOT NULL,
	session_id TEXT NOT NULL,
	activated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS keywords (
	keyword TEXT NOT NULL,
	memory_key TEXT NOT NULL,
	PRIMARY KEY (keyword, memory_key)
);
`

// Open opens (or creates) the SQLite ledger at path and binds it to the
// given session. The schema is created if absent.
func Open(path, sessionID string, secret []byte) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// churn under the coordinator's writer lock.
	db.SetMaxOpenConns(1)

	l := &Ledger{
		db:        db,
		sessionID: sessionID,
		secret:    secret,
		log:       logger.New("ledger"),
	}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB, sessionID string, secret []byte) *Ledger {
	return &Ledger{
		db:        db,
		sessionID: sessionID,
		secret:    secret,
		log:       logger.New("ledger"),
	}
}

func (l *Ledger) migrate() error {
	if _, err := l.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// SessionID returns the session this ledger handle writes under.
func (l *Ledger) SessionID() string { return l.sessionID }

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// sign computes the content MAC over the canonical subset of an entry,
// truncated to 128 bits.
func (l *Ledger) sign(e *Entry) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", e.ID, e.EntryType, e.Action, e.Target)
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

// Write appends an entry. The ledger stamps session_id, timestamp (when
// unset) and signature. There is no update or delete path.
func (l *Ledger) Write(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		return fmt.Errorf("ledger entry requires an id")
	}
	e.SessionID = l.sessionID
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Signature = l.sign(e)

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode entry payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.ExecContext(ctx, `INSERT INTO ledger (
		id, entry_type, timestamp, head_id, limb_id, action, target,
		payload, decision, score, parent_id, session_id, signature
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.EntryType), e.Timestamp, e.HeadID, e.LimbID,
		e.Action, e.Target, string(payloadJSON), e.Decision, e.Score,
		e.ParentID, e.SessionID, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

const entryColumns = `id, entry_type, timestamp, head_id, limb_id, action, target,
	payload, decision, score, parent_id, session_id, signature`

// Read returns a single entry by id, or nil when the row is absent.
func (l *Ledger) Read(ctx context.Context, id string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e           Entry
		entryType   string
		headID      sql.NullString
		limbID      sql.NullString
		action      sql.NullString
		target      sql.NullString
		payloadJSON sql.NullString
		decision    sql.NullString
		score       sql.NullFloat64
		parentID    sql.NullString
	)
	err := row.Scan(&e.ID, &entryType, &e.Timestamp, &headID, &limbID,
		&action, &target, &payloadJSON, &decision, &score, &parentID,
		&e.SessionID, &e.Signature)
	if err != nil {
		return nil, err
	}
	e.EntryType = EntryType(entryType)
	e.HeadID = headID.String
	e.LimbID = limbID.String
	e.Action = action.String
	e.Target = target.String
	e.Decision = decision.String
	e.Score = score.Float64
	e.ParentID = parentID.String
	if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode entry payload: %w", err)
		}
	}
	return &e, nil
}

// Query returns entries matching the filter, newest first.
func (l *Ledger) Query(ctx context.Context, f Filter, limit, offset int) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger WHERE 1=1`
	args := []interface{}{}

	if f.EntryType != "" {
		query += " AND entry_type = ?"
		args = append(args, string(f.EntryType))
	}
	if f.HeadID != "" {
		query += " AND head_id = ?"
		args = append(args, f.HeadID)
	}
	if f.LimbID != "" {
		query += " AND limb_id = ?"
		args = append(args, f.LimbID)
	}
	if f.Decision != "" {
		query += " AND decision = ?"
		args = append(args, f.Decision)
	}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}

	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify recomputes the signature for a single entry against the session
// secret.
func (l *Ledger) Verify(e *Entry) bool {
	return hmac.Equal([]byte(l.sign(e)), []byte(e.Signature))
}

// VerifyChain re-checks every entry's signature. It returns the id of the
// first failing entry; a failing pass never repairs anything.
func (l *Ledger) VerifyChain(ctx context.Context) (string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger ORDER BY timestamp ASC`)
	if err != nil {
		return "", fmt.Errorf("ledger verification query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return "", err
		}
		if !l.Verify(e) {
			return e.ID, fmt.Errorf("signature verification failed for entry %s", e.ID)
		}
	}
	return "", rows.Err()
}

// Stats aggregates counts by entry type and by decision.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		SessionID:  l.sessionID,
		ByType:     make(map[string]int),
		ByDecision: make(map[string]int),
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT entry_type, COUNT(*) FROM ledger GROUP BY entry_type`)
	if err != nil {
		return nil, fmt.Errorf("ledger stats query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats.ByType[t] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dRows, err := l.db.QueryContext(ctx,
		`SELECT decision, COUNT(*) FROM ledger WHERE decision != '' GROUP BY decision`)
	if err != nil {
		return nil, fmt.Errorf("ledger stats query failed: %w", err)
	}
	defer func() { _ = dRows.Close() }()
	for dRows.Next() {
		var d string
		var n int
		if err := dRows.Scan(&d, &n); err != nil {
			return nil, err
		}
		stats.ByDecision[d] = n
	}
	if err := dRows.Err(); err != nil {
		return nil, err
	}

	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory`).Scan(&stats.MemoryFacts); err != nil {
		return nil, fmt.Errorf("ledger stats query failed: %w", err)
	}
	return stats, nil
}

// RegisterHead records a head as active for this session.
func (l *Ledger) RegisterHead(ctx context.Context, headID, aiType, model, callsign string) error {
	_, err := l.db.ExecContext(ctx, `INSERT OR REPLACE INTO active_heads
		(head_id, ai_type, model, callsign, session_id, connected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		headID, aiType, model, callsign, l.sessionID,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to register head: %w", err)
	}
	return nil
}

// UnregisterHead removes a head from the active set.
func (l *Ledger) UnregisterHead(ctx context.Context, headID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM active_heads WHERE head_id = ?`, headID)
	if err != nil {
		return fmt.Errorf("failed to unregister head: %w", err)
	}
	return nil
}

// GetActiveHeads lists the heads currently registered for this session.
func (l *Ledger) GetActiveHeads(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT head_id FROM active_heads WHERE session_id = ?`, l.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active heads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var heads []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		heads = append(heads, id)
	}
	return heads, rows.Err()
}

// RegisterLimb records a limb as active for this session.
func (l *Ledger) RegisterLimb(ctx context.Context, limbID, limbType string) error {
	_, err := l.db.ExecContext(ctx, `INSERT OR REPLACE INTO active_limbs
		(limb_id, limb_type, session_id, activated_at)
		VALUES (?, ?, ?, ?)`,
		limbID, limbType, l.sessionID,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to register limb: %w", err)
	}
	return nil
}

// UnregisterLimb removes a limb from the active set.
func (l *Ledger) UnregisterLimb(ctx context.Context, limbID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM active_limbs WHERE limb_id = ?`, limbID)
	if err != nil {
		return fmt.Errorf("failed to unregister limb: %w", err)
	}
	return nil
}

// GetActiveLimbs lists the limbs currently registered for this session.
func (l *Ledger) GetActiveLimbs(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT limb_id, limb_type FROM active_limbs WHERE session_id = ?`, l.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active limbs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	limbs := make(map[string]string)
	for rows.Next() {
		var id, limbType string
		if err := rows.Scan(&id, &limbType); err != nil {
			return nil, err
		}
		limbs[id] = limbType
	}
	return limbs, rows.Err()
}
