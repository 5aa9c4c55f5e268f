package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/frontdesk/internal/realtime"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenEnablesWAL(t *testing.T) {
	j := openTestJournal(t)

	var mode string
	require.NoError(t, j.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	require.NoError(t, j.Record(ctx, realtime.ChangeEvent{Table: "messages", Kind: realtime.Insert,
		New: map[string]any{"id": "m1", "body": "Late checkout?"}, CommitTimestamp: "2026-02-01T10:00:00Z"}))
	require.NoError(t, j.Record(ctx, realtime.ChangeEvent{Schema: "public", Table: "rooms", Kind: realtime.Update,
		New: map[string]any{"id": "r1", "status": "cleaning"}, Old: map[string]any{"id": "r1", "status": "occupied"}}))
	require.NoError(t, j.Record(ctx, realtime.ChangeEvent{Table: "messages", Kind: realtime.Delete,
		Old: map[string]any{"id": "m1"}}))

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, realtime.Delete, all[0].Event.Kind)
	assert.Nil(t, all[0].Event.New)
	assert.Equal(t, "m1", all[0].Event.Old["id"])
	assert.Equal(t, "occupied", all[1].Event.Old["status"])

	messages, err := j.Recent(ctx, "messages", 1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "public", messages[0].Event.Schema)
	assert.Equal(t, realtime.Delete, messages[0].Event.Kind)

	oldest, err := j.Recent(ctx, "messages", 0)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "2026-02-01T10:00:00Z", oldest[1].Event.CommitTimestamp)
	assert.Equal(t, "Late checkout?", oldest[1].Event.New["body"])
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, j.Record(ctx, realtime.ChangeEvent{Table: "guests", Kind: realtime.Insert, New: map[string]any{"id": "g1"}}))
	j.now = func() time.Time { return now }
	require.NoError(t, j.Record(ctx, realtime.ChangeEvent{Table: "guests", Kind: realtime.Insert, New: map[string]any{"id": "g2"}}))

	pruned, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	left, err := j.Recent(ctx, "guests", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "g2", left[0].Event.New["id"])
	assert.Equal(t, now, left[0].ReceivedAt)
}

func TestCallbackRecords(t *testing.T) {
	j := openTestJournal(t)

	cb := j.Callback()
	cb(realtime.ChangeEvent{Table: "call_signals", Kind: realtime.Insert, New: map[string]any{"id": "c1"}})

	n, err := j.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
