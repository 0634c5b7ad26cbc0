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
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:", "test-session", []byte("test-secret"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestWriteAndRead(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	e := &Entry{
		ID:        "entry-1",
		EntryType: EntryAction,
		HeadID:    "head-1",
		Action:    "navigate",
		Target:    "https://example.com",
		Payload:   map[string]interface{}{"sensitivity": 0.2},
	}
	require.NoError(t, l.Write(ctx, e))

	// Session, timestamp, and signature are stamped by the ledger.
	assert.Equal(t, "test-session", e.SessionID)
	assert.NotEmpty(t, e.Timestamp)
	assert.Len(t, e.Signature, 32) // 128 bits, hex encoded

	got, err := l.Read(ctx, "entry-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, EntryAction, got.EntryType)
	assert.Equal(t, "navigate", got.Action)
	assert.Equal(t, "https://example.com", got.Target)
	assert.Equal(t, 0.2, got.Payload["sensitivity"])
}

func TestReadMissingReturnsNil(t *testing.T) {
	l := openTestLedger(t)
	got, err := l.Read(context.Background(), "no-such-entry")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteRequiresID(t *testing.T) {
	l := openTestLedger(t)
	err := l.Write(context.Background(), &Entry{EntryType: EntryAction})
	assert.Error(t, err)
}

func TestDuplicateIDRejected(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	e := &Entry{ID: "dup", EntryType: EntryAction, Action: "run"}
	require.NoError(t, l.Write(ctx, e))
	err := l.Write(ctx, &Entry{ID: "dup", EntryType: EntryAction, Action: "run"})
	assert.Error(t, err)
}

func TestCallerCannotSetSession(t *testing.T) {
	l := openTestLedger(t)
	e := &Entry{ID: "e1", EntryType: EntryAction, SessionID: "forged"}
	require.NoError(t, l.Write(context.Background(), e))
	assert.Equal(t, "test-session", e.SessionID)
}

func TestVerify(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	e := &Entry{ID: "v1", EntryType: EntryDecision, Action: "click", Target: "button.submit"}
	require.NoError(t, l.Write(ctx, e))

	got, err := l.Read(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, l.Verify(got))

	// Tampering with a signed field must fail verification.
	got.Target = "button.cancel"
	assert.False(t, l.Verify(got))
}

func TestVerifyDifferentSecret(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Write(ctx, &Entry{ID: "s1", EntryType: EntryAction, Action: "api"}))

	got, err := l.Read(ctx, "s1")
	require.NoError(t, err)

	other := NewWithDB(l.db, "test-session", []byte("other-secret"))
	assert.False(t, other.Verify(got))
}

func TestVerifyChain(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Write(ctx, &Entry{
			ID:        fmt.Sprintf("c%d", i),
			EntryType: EntryAction,
			Action:    "navigate",
		}))
	}

	failing, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Empty(t, failing)

	// Corrupt one row behind the ledger's back.
	_, err = l.db.Exec(`UPDATE ledger SET target = 'tampered' WHERE id = 'c2'`)
	require.NoError(t, err)

	failing, err = l.VerifyChain(ctx)
	require.Error(t, err)
	assert.Equal(t, "c2", failing)
}

func TestQueryFilters(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	entries := []*Entry{
		{ID: "q1", EntryType: EntryAction, HeadID: "h1", Action: "navigate"},
		{ID: "q2", EntryType: EntryDecision, HeadID: "h1", Decision: "ALLOW"},
		{ID: "q3", EntryType: EntryDecision, HeadID: "h2", Decision: "DENY"},
		{ID: "q4", EntryType: EntryError, LimbID: "l1"},
	}
	for _, e := range entries {
		require.NoError(t, l.Write(ctx, e))
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by type", Filter{EntryType: EntryDecision}, 2},
		{"by head", Filter{HeadID: "h1"}, 2},
		{"by decision", Filter{Decision: "DENY"}, 1},
		{"by limb", Filter{LimbID: "l1"}, 1},
		{"type and head", Filter{EntryType: EntryDecision, HeadID: "h2"}, 1},
		{"no filter", Filter{}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(ctx, tt.filter, 0, 0)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestQueryLimitOffset(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Write(ctx, &Entry{
			ID: fmt.Sprintf("p%d", i), EntryType: EntryAction,
		}))
	}

	page, err := l.Query(ctx, Filter{}, 3, 0)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	page, err = l.Query(ctx, Filter{}, 3, 9)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestStats(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Write(ctx, &Entry{ID: "st1", EntryType: EntryAction}))
	require.NoError(t, l.Write(ctx, &Entry{ID: "st2", EntryType: EntryDecision, Decision: "ALLOW"}))
	require.NoError(t, l.Write(ctx, &Entry{ID: "st3", EntryType: EntryDecision, Decision: "DENY"}))
	require.NoError(t, l.Remember(ctx, "k", "v", "", 0.5))

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-session", stats.SessionID)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByType["ACTION"])
	assert.Equal(t, 2, stats.ByType["DECISION"])
	assert.Equal(t, 1, stats.ByDecision["ALLOW"])
	assert.Equal(t, 1, stats.ByDecision["DENY"])
	assert.Equal(t, 1, stats.MemoryFacts)
}

func TestHeadAndLimbRegistration(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RegisterHead(ctx, "h1", "claude", "opus", "alpha"))
	require.NoError(t, l.RegisterHead(ctx, "h2", "gpt", "4o", "bravo"))
	heads, err := l.GetActiveHeads(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h2"}, heads)

	require.NoError(t, l.UnregisterHead(ctx, "h1"))
	heads, err = l.GetActiveHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, heads)

	require.NoError(t, l.RegisterLimb(ctx, "browser-1", "browser"))
	limbs, err := l.GetActiveLimbs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"browser-1": "browser"}, limbs)

	require.NoError(t, l.UnregisterLimb(ctx, "browser-1"))
	limbs, err = l.GetActiveLimbs(ctx)
	require.NoError(t, err)
	assert.Empty(t, limbs)
}

func TestWriteStorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO ledger").
		WillReturnError(fmt.Errorf("disk I/O error"))

	l := NewWithDB(db, "test-session", []byte("secret"))
	err = l.Write(context.Background(), &Entry{ID: "f1", EntryType: EntryAction})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert ledger entry")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsStorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT entry_type").
		WillReturnError(fmt.Errorf("database is locked"))

	l := NewWithDB(db, "test-session", []byte("secret"))
	_, err = l.Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger stats query failed")
}
