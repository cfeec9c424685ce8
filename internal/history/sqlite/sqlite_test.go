package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/poolkeeper/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventLaunch, OccurredAt: now, Pool: "default", PID: 12345, Reason: "tick"},
		{Type: history.EventTerminate, OccurredAt: now, Pool: "default", PID: 12345, Reason: "stale", Outcome: "killed"},
		{Type: history.EventLaunch, OccurredAt: now, Pool: "default", Reason: "tick", Error: "fork/exec: no such file"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var n int
	require.NoError(t, sink.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM worker_history WHERE pid = ?`, 12345).Scan(&n))
	assert.Equal(t, 2, n)

	var outcome string
	require.NoError(t, sink.DB().QueryRowContext(ctx, `SELECT outcome FROM worker_history WHERE event = 'terminate'`).Scan(&outcome))
	assert.Equal(t, "killed", outcome)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventReset, OccurredAt: time.Now()}))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestSQLiteSink_CreatesDirAndUsesWAL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")
	sink, err := New(dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	assert.Equal(t, dbPath, sink.Path())

	var mode string
	require.NoError(t, sink.DB().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}
