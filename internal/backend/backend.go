// Package backend implements the two storage backends a project can use:
// a local SQLite file and a remote PostgreSQL server. Both expose the same
// capability surface and report failures in the shared error taxonomy.
//
// Queries are written with "?" placeholders and rebound per driver.
package backend

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Backend is the capability surface shared by the local and remote stores.
type Backend interface {
	Kind() types.BackendKind
	// Exec runs a write and returns the affected row count.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Select(ctx context.Context, dest any, query string, args ...any) error
	Get(ctx context.Context, dest any, query string, args ...any) error
	Begin(ctx context.Context) (*Tx, error)
	// TestReachability makes one connection attempt and pings the server.
	TestReachability(ctx context.Context) error
	Close() error
}

// Tx is an open transaction on either backend. Commit or Rollback must be
// called exactly once; Rollback after Commit is a no-op.
type Tx struct {
	tx      *sqlx.Tx
	target  string
	release func()
	done    bool
}

func newTx(tx *sqlx.Tx, target string, release func()) *Tx {
	if release == nil {
		release = func() {}
	}
	return &Tx{tx: tx, target: target, release: release}
}

// Raw exposes the underlying transaction to the ledger and migration code.
func (t *Tx) Raw() *sqlx.Tx { return t.tx }

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return 0, Wrap("exec", t.target, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Select scans all rows into dest.
func (t *Tx) Select(ctx context.Context, dest any, query string, args ...any) error {
	return Wrap("select", t.target, t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...))
}

// Get scans one row into dest. A missing row is a KindNotFound error.
func (t *Tx) Get(ctx context.Context, dest any, query string, args ...any) error {
	return wrapGet(t.target, t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...))
}

// Commit commits and releases the connection.
func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	defer t.release()
	return Wrap("commit", t.target, t.tx.Commit())
}

// Rollback aborts the transaction and releases the connection.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.release()
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return Wrap("rollback", t.target, err)
}

func wrapGet(target string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewError(types.KindNotFound, "get", target, err)
	}
	return Wrap("get", target, err)
}
