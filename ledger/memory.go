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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Fact is a cross-session key/value memory record. Facts are never deleted;
// a logical forget moves them to the "forgotten" category.
type Fact struct {
	Key         string      `json:"key"`
	Value       interface{} `json:"value"`
	Category    string      `json:"category"`
	Importance  float64     `json:"importance"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
	AccessCount int         `json:"access_count"`
}

// Remember upserts a memory fact. Updates preserve created_at and the
// access counter.
func (l *Ledger) Remember(ctx context.Context, key string, value interface{}, category string, importance float64) error {
	if key == "" {
		return fmt.Errorf("memory fact requires a key")
	}
	if category == "" {
		category = "general"
	}
	if importance < 0 {
		importance = 0
	} else if importance > 1 {
		importance = 1
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode memory value: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.ExecContext(ctx, `INSERT INTO memory
		(key, value, category, importance, created_at, updated_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			importance = excluded.importance,
			updated_at = excluded.updated_at`,
		key, string(valueJSON), category, importance, now, now)
	if err != nil {
		return fmt.Errorf("failed to store memory fact: %w", err)
	}
	return nil
}

// Recall loads a fact by key and increments its access counter atomically
// with the read. A missing or forgotten key returns nil without error.
func (l *Ledger) Recall(ctx context.Context, key string) (*Fact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		`UPDATE memory SET access_count = access_count + 1
		WHERE key = ? AND category != 'forgotten'`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to touch memory fact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}

	row := l.db.QueryRowContext(ctx, `SELECT key, value, category, importance,
		created_at, updated_at, access_count FROM memory
		WHERE key = ? AND category != 'forgotten'`, key)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// Forget moves a fact to the forgotten category. The row itself stays.
func (l *Ledger) Forget(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `UPDATE memory SET category = 'forgotten',
		updated_at = ? WHERE key = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("failed to forget memory fact: %w", err)
	}
	return nil
}

// SearchMemory returns facts ordered by importance then access count,
// optionally narrowed by a key substring pattern and a category.
func (l *Ledger) SearchMemory(ctx context.Context, pattern, category string, limit int) ([]*Fact, error) {
	query := `SELECT key, value, category, importance, created_at, updated_at,
		access_count FROM memory WHERE category != 'forgotten'`
	args := []interface{}{}

	if pattern != "" {
		query += " AND key LIKE ?"
		args = append(args, "%"+pattern+"%")
	}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY importance DESC, access_count DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var facts []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func scanFact(row rowScanner) (*Fact, error) {
	var (
		f         Fact
		valueJSON string
	)
	err := row.Scan(&f.Key, &valueJSON, &f.Category, &f.Importance,
		&f.CreatedAt, &f.UpdatedAt, &f.AccessCount)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(valueJSON), &f.Value); err != nil {
		return nil, fmt.Errorf("failed to decode memory value: %w", err)
	}
	return &f, nil
}

// SaveKeyword adds a reverse-index row mapping keyword to a memory key.
// Idempotent: re-saving an existing pair is a no-op.
func (l *Ledger) SaveKeyword(ctx context.Context, keyword, memoryKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO keywords (keyword, memory_key) VALUES (?, ?)`,
		keyword, memoryKey)
	if err != nil {
		return fmt.Errorf("failed to save keyword: %w", err)
	}
	return nil
}

// LoadKeywords loads the full reverse index, keyword to memory keys. The
// Librarian seeds its in-memory search from this at startup.
func (l *Ledger) LoadKeywords(ctx context.Context) (map[string][]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT keyword, memory_key FROM keywords ORDER BY keyword`)
	if err != nil {
		return nil, fmt.Errorf("failed to load keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	index := make(map[string][]string)
	for rows.Next() {
		var keyword, memoryKey string
		if err := rows.Scan(&keyword, &memoryKey); err != nil {
			return nil, err
		}
		index[keyword] = append(index[keyword], memoryKey)
	}
	return index, rows.Err()
}
