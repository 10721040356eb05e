package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/store"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.db")
	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}

func TestBlameRoundTripConsumedOnce(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.TakeBlame(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has no blame record")

	require.NoError(t, db.SaveBlame(ctx, "flappyService", time.Now()))

	name, ok, err := db.TakeBlame(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "flappyService", name)

	// the read deleted the record
	_, ok, err = db.TakeBlame(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "blame record must be consumed by the first read")
}

func TestSaveBlameOverwrites(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveBlame(ctx, "first", time.Now()))
	require.NoError(t, db.SaveBlame(ctx, "second", time.Now()))
	name, ok, err := db.TakeBlame(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", name)
}

func TestNextEventBaseMonotonicAcrossReopen(t *testing.T) {
	db, path := openTestDB(t)
	ctx := context.Background()

	base1, err := db.NextEventBase(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), base1)

	base2, err := db.NextEventBase(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), base2)
	require.NoError(t, db.Close())

	// a new supervisor run gets IDs above everything handed out before
	db2, err := New(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()
	base3, err := db2.NextEventBase(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(201), base3)
}

func TestRecordEventAndPurge(t *testing.T) {
	db, path := openTestDB(t)
	ctx := context.Background()

	recs := []store.EventRecord{
		{EventID: 1, Type: "service-state-changed", Action: "start", Name: "comm", OccurredAt: time.Now()},
		{EventID: 2, Type: "service-state-changed", Action: "death", Name: "comm", OccurredAt: time.Now()},
		{EventID: 3, Type: "init-complete", Qualifier: "all-services-started", OccurredAt: time.Now()},
	}
	for _, r := range recs {
		require.NoError(t, db.RecordEvent(ctx, r))
	}
	require.Equal(t, 3, countEvents(t, path))

	require.NoError(t, db.PurgeAll(ctx))
	require.Equal(t, 0, countEvents(t, path))

	_, ok, err := db.TakeBlame(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func countEvents(t *testing.T, path string) int {
	t.Helper()
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	var n int
	require.NoError(t, raw.QueryRow(`SELECT COUNT(*) FROM event_history;`).Scan(&n))
	return n
}
