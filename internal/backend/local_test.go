package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

func openTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := OpenLocal(context.Background(), filepath.Join(t.TempDir(), "project.cpd"), LocalOptions{Logger: discard()})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLocalPragmas(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t)

	var fk int
	require.NoError(t, l.Get(ctx, &fk, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, l.Get(ctx, &mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)

	var sync int
	require.NoError(t, l.Get(ctx, &sync, "PRAGMA synchronous"))
	assert.Equal(t, 2, sync, "synchronous should be FULL")
}

func TestLocalCRUD(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t)
	assert.Equal(t, types.BackendLocal, l.Kind())

	_, err := l.Exec(ctx, "CREATE TABLE items (id TEXT PRIMARY KEY, qty INTEGER NOT NULL)")
	require.NoError(t, err)

	n, err := l.Exec(ctx, "INSERT INTO items (id, qty) VALUES (?, ?), (?, ?)", "a", 1, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var ids []string
	require.NoError(t, l.Select(ctx, &ids, "SELECT id FROM items ORDER BY id"))
	assert.Equal(t, []string{"a", "b"}, ids)

	var qty int
	err = l.Get(ctx, &qty, "SELECT qty FROM items WHERE id = ?", "zzz")
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = l.Select(ctx, &ids, "SELECT id FROM missing_table")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLocalTxRollback(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t)
	_, err := l.Exec(ctx, "CREATE TABLE items (id TEXT PRIMARY KEY)")
	require.NoError(t, err)

	tx, err := l.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO items (id) VALUES (?)", "a")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "second rollback is a no-op")

	var count int
	require.NoError(t, l.Get(ctx, &count, "SELECT COUNT(*) FROM items"))
	assert.Equal(t, 0, count)

	tx, err = l.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO items (id) VALUES (?)", "b")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	require.NoError(t, l.Get(ctx, &count, "SELECT COUNT(*) FROM items"))
	assert.Equal(t, 1, count)
}

func TestLocalReopensAfterDrop(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t)
	_, err := l.Exec(ctx, "CREATE TABLE items (id TEXT PRIMARY KEY)")
	require.NoError(t, err)

	// Simulate the connection going away underneath the backend.
	db, err := l.DB()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var count int
	require.NoError(t, l.Get(ctx, &count, "SELECT COUNT(*) FROM items"))
	assert.Equal(t, 0, count)
}

func TestLocalClosed(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	var one int
	err := l.Get(ctx, &one, "SELECT 1")
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.ErrorIs(t, l.TestReachability(ctx), types.ErrClosed)
}

func TestLocalCloseReportsCheckpointFailure(t *testing.T) {
	l := openTestLocal(t)
	db, err := l.DB()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = l.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint")
	assert.NoError(t, l.Close())
}

func TestInspectLocalLeavesForeignFilesAlone(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.cpd")
	require.NoError(t, os.WriteFile(text, []byte("this is not a database, just text padding it out"), 0o644))
	empty := filepath.Join(dir, "empty.cpd")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	tests := []struct {
		name string
		path string
		want error
	}{
		{"text file", text, types.ErrIncompatibleSchema},
		{"empty file", empty, types.ErrIncompatibleSchema},
		{"missing file", filepath.Join(dir, "missing.cpd"), types.ErrUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			err := InspectLocal(context.Background(), tt.path, 0, func(*sqlx.DB) error {
				called = true
				return nil
			})
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, called)
			assert.NoFileExists(t, tt.path+"-wal")
			assert.NoFileExists(t, tt.path+"-shm")
		})
	}

	body, err := os.ReadFile(text)
	require.NoError(t, err)
	assert.Equal(t, "this is not a database, just text padding it out", string(body))
}

func TestInspectLocalIsQueryOnly(t *testing.T) {
	l := openTestLocal(t)
	_, err := l.Exec(context.Background(), "CREATE TABLE items (id TEXT)")
	require.NoError(t, err)
	require.NoError(t, l.Checkpoint(context.Background()))

	var n int
	err = InspectLocal(context.Background(), l.Path(), 0, func(db *sqlx.DB) error {
		if err := db.Get(&n, "SELECT COUNT(*) FROM items"); err != nil {
			return err
		}
		_, err := db.Exec("INSERT INTO items (id) VALUES ('a')")
		return err
	})
	assert.ErrorIs(t, err, types.ErrUnreadable)
	assert.Zero(t, n)
}

func TestLocalDSN(t *testing.T) {
	dsn := LocalDSN("/tmp/p.cpd", 0)
	assert.Contains(t, dsn, "/tmp/p.cpd?")
	assert.Contains(t, dsn, "_pragma=foreign_keys(1)")
	assert.Contains(t, dsn, "_pragma=synchronous(FULL)")
	assert.Contains(t, dsn, "_pragma=busy_timeout(5000)")
}
