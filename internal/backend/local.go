package backend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

// DefaultBusyTimeout is how long SQLite waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// LocalDSN builds the modernc DSN for path with integrity and durability
// pragmas applied on every connection.
func LocalDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, busyTimeout.Milliseconds())
}

// sqliteHeader opens every SQLite database file.
const sqliteHeader = "SQLite format 3\x00"

// InspectLocal runs fn against a query-only connection to the existing
// file at path. No pragma that writes to the file is applied, so a file
// that turns out not to be a project is left exactly as it was.
func InspectLocal(ctx context.Context, path string, busyTimeout time.Duration, fn func(db *sqlx.DB) error) error {
	if err := checkHeader(path); err != nil {
		return err
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_pragma=query_only(1)&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return Wrap("inspect", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	return Wrap("inspect", path, fn(db))
}

func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return types.NewError(types.KindNotFound, "inspect", path, fmt.Errorf("%w: %w", types.ErrUnreadable, err))
	}
	defer f.Close()
	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, head); err != nil || string(head) != sqliteHeader {
		return types.NewError(types.KindIncompatibleSchema, "inspect", path,
			fmt.Errorf("%w: not a SQLite database", types.ErrLedgerUnreadable))
	}
	return nil
}

// Local is the SQLite backend. It keeps one long-lived connection for the
// lifetime of the open project and reopens it if the connection drops.
type Local struct {
	path        string
	busyTimeout time.Duration
	log         *slog.Logger

	mu     sync.RWMutex
	db     *sqlx.DB
	closed bool
}

// LocalOptions configures OpenLocal.
type LocalOptions struct {
	BusyTimeout time.Duration
	Logger      *slog.Logger
}

// OpenLocal opens (creating if needed) the SQLite file at path.
// Callers that must not create a file check for it first.
func OpenLocal(ctx context.Context, path string, opts LocalOptions) (*Local, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Local{path: path, busyTimeout: opts.BusyTimeout, log: opts.Logger}
	db, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	l.db = db
	return l, nil
}

func (l *Local) open(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", LocalDSN(l.path, l.busyTimeout))
	if err != nil {
		return nil, Wrap("open", l.path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Wrap("open", l.path, err)
	}
	return db, nil
}

// Kind returns BackendLocal.
func (l *Local) Kind() types.BackendKind { return types.BackendLocal }

// Path returns the store's file path.
func (l *Local) Path() string { return l.path }

// DB returns the live handle for ledger reads and migrations.
func (l *Local) DB() (*sqlx.DB, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, types.NewError(types.KindConnection, "db", l.path, types.ErrClosed)
	}
	return l.db, nil
}

// dropped reports whether err means the connection is gone.
func dropped(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(err.Error(), "database is closed")
}

// do runs fn against the live handle, reopening once if the connection
// was dropped underneath it.
func (l *Local) do(ctx context.Context, fn func(db *sqlx.DB) error) error {
	db, err := l.DB()
	if err != nil {
		return err
	}
	err = fn(db)
	if err == nil || !dropped(err) {
		return err
	}
	l.log.Warn("backend.local.reopen", "path", l.path, "err", err)
	db, rerr := l.reopen(ctx, db)
	if rerr != nil {
		return rerr
	}
	return fn(db)
}

func (l *Local) reopen(ctx context.Context, stale *sqlx.DB) (*sqlx.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, types.NewError(types.KindConnection, "reopen", l.path, types.ErrClosed)
	}
	if l.db != stale {
		return l.db, nil
	}
	db, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	stale.Close()
	l.db = db
	return db, nil
}

// Exec runs a single write inside its own transaction.
func (l *Local) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := l.do(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			n = 0
		}
		return tx.Commit()
	})
	return n, Wrap("exec", l.path, err)
}

// Select scans all rows into dest.
func (l *Local) Select(ctx context.Context, dest any, query string, args ...any) error {
	return Wrap("select", l.path, l.do(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, dest, query, args...)
	}))
}

// Get scans one row into dest.
func (l *Local) Get(ctx context.Context, dest any, query string, args ...any) error {
	return wrapGet(l.path, l.do(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, dest, query, args...)
	}))
}

// Begin starts an immediate transaction.
func (l *Local) Begin(ctx context.Context) (*Tx, error) {
	var tx *sqlx.Tx
	err := l.do(ctx, func(db *sqlx.DB) error {
		var err error
		tx, err = db.BeginTxx(ctx, nil)
		return err
	})
	if err != nil {
		return nil, Wrap("begin", l.path, err)
	}
	return newTx(tx, l.path, nil), nil
}

// TestReachability pings the file.
func (l *Local) TestReachability(ctx context.Context) error {
	return Wrap("ping", l.path, l.do(ctx, func(db *sqlx.DB) error {
		return db.PingContext(ctx)
	}))
}

// Checkpoint folds the WAL into the main file so the store is a single file
// again, as before a backup or close.
func (l *Local) Checkpoint(ctx context.Context) error {
	return Wrap("checkpoint", l.path, l.do(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
		return err
	}))
}

// Close checkpoints and closes the connection. Close is idempotent.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var cerr error
	if _, err := l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		cerr = Wrap("checkpoint", l.path, err)
	}
	return errors.Join(cerr, l.db.Close())
}

func (l *Local) String() string { return "local(" + l.path + ")" }
