// Package ledger reads and writes the schema ledger: the current schema
// version in the meta table and the append-only schema_migrations history.
//
// Reads work against any querier. Writes are only reachable through a Txn,
// which wraps an open transaction, so the version can never move outside
// the migration transaction that certifies it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// KeySchemaVersion is the meta key holding the current version.
const KeySchemaVersion = "schema_version"

// Querier is satisfied by *sqlx.DB, *sqlx.Tx and *sqlx.Conn.
type Querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

type recordRow struct {
	MigrationID string `db:"migration_id"`
	Backend     string `db:"backend"`
	AppliedAt   string `db:"applied_at"`
	Outcome     string `db:"outcome"`
}

// CurrentVersion returns the schema version of a local store. A store with
// no tables is fresh and reports BaselineVersion. A store with tables but
// no readable version fails with ErrLedgerUnreadable.
func CurrentVersion(ctx context.Context, q Querier) (types.SchemaVersion, error) {
	var tables []string
	if err := q.SelectContext(ctx, &tables, schema.SQLite.ListTables()); err != nil {
		return "", fmt.Errorf("listing tables: %w", err)
	}
	if len(tables) == 0 {
		return types.BaselineVersion, nil
	}
	hasMeta := false
	for _, t := range tables {
		if t == schema.TableMeta {
			hasMeta = true
			break
		}
	}
	if !hasMeta {
		return "", unreadable(errors.New("meta table missing"))
	}
	return readVersion(ctx, q)
}

func readVersion(ctx context.Context, q Querier) (types.SchemaVersion, error) {
	var raw string
	err := q.GetContext(ctx, &raw, q.Rebind("SELECT value FROM meta WHERE key = ?"), KeySchemaVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return "", unreadable(errors.New("schema_version record missing"))
	}
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	v, err := types.ParseSchemaVersion(raw)
	if err != nil {
		return "", unreadable(err)
	}
	return v, nil
}

func unreadable(cause error) error {
	return types.NewError(types.KindIncompatibleSchema, "read ledger", "", fmt.Errorf("%w: %v", types.ErrLedgerUnreadable, cause))
}

// History returns the migration records stored through q, oldest first.
func History(ctx context.Context, q Querier) ([]types.MigrationRecord, error) {
	var rows []recordRow
	err := q.SelectContext(ctx, &rows, "SELECT migration_id, backend, applied_at, outcome FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migration history: %w", err)
	}
	out := make([]types.MigrationRecord, 0, len(rows))
	for _, r := range rows {
		at, err := time.Parse(time.RFC3339Nano, r.AppliedAt)
		if err != nil {
			return nil, unreadable(fmt.Errorf("applied_at of %s: %w", r.MigrationID, err))
		}
		out = append(out, types.MigrationRecord{
			MigrationID: r.MigrationID,
			Backend:     types.BackendKind(r.Backend),
			AppliedAt:   at,
			Outcome:     r.Outcome,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].MigrationID < out[j].MigrationID
		}
		return out[i].AppliedAt.Before(out[j].AppliedAt)
	})
	return out, nil
}

// Txn is the ledger's write surface inside an open transaction.
type Txn struct {
	tx      *sqlx.Tx
	backend types.BackendKind
}

// InTx binds ledger writes for backend to tx. The caller owns commit and
// rollback.
func InTx(tx *sqlx.Tx, backend types.BackendKind) *Txn {
	return &Txn{tx: tx, backend: backend}
}

// Applied returns the migration ids already recorded for this backend.
func (t *Txn) Applied(ctx context.Context) (map[string]bool, error) {
	var ids []string
	err := t.tx.SelectContext(ctx, &ids, t.tx.Rebind("SELECT migration_id FROM schema_migrations WHERE backend = ?"), string(t.backend))
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(ids))
	for _, id := range ids {
		applied[id] = true
	}
	return applied, nil
}

// RecordApplied appends a migration record. Recording the same id twice for
// the same backend is a no-op.
func (t *Txn) RecordApplied(ctx context.Context, migrationID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		"INSERT INTO schema_migrations (migration_id, backend, applied_at, outcome) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT (migration_id, backend) DO NOTHING"),
		migrationID, string(t.backend), at.UTC().Format(time.RFC3339Nano), types.OutcomeApplied,
	)
	if err != nil {
		return fmt.Errorf("recording migration %s: %w", migrationID, err)
	}
	return nil
}

// Version reads the version as seen inside the transaction. A store whose
// meta table has no row yet is at BaselineVersion.
func (t *Txn) Version(ctx context.Context) (types.SchemaVersion, error) {
	var raw string
	err := t.tx.GetContext(ctx, &raw, t.tx.Rebind("SELECT value FROM meta WHERE key = ?"), KeySchemaVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BaselineVersion, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	v, err := types.ParseSchemaVersion(raw)
	if err != nil {
		return "", unreadable(err)
	}
	return v, nil
}

// SetVersion moves the version forward. Setting the current version again
// is a no-op; moving backwards fails with ErrInvalidVersionTransition.
func (t *Txn) SetVersion(ctx context.Context, v types.SchemaVersion) error {
	if !v.Valid() {
		return types.NewError(types.KindValidation, "set version", v.String(), types.ErrLedgerUnreadable)
	}
	cur, err := t.Version(ctx)
	if err != nil {
		return err
	}
	switch c := v.Compare(cur); {
	case c < 0:
		return types.NewError(types.KindIncompatibleSchema, "set version", v.String(),
			fmt.Errorf("%w: %s to %s", types.ErrInvalidVersionTransition, cur, v))
	case c == 0:
		return nil
	}
	_, err = t.tx.ExecContext(ctx, t.tx.Rebind(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value"),
		KeySchemaVersion, v.String(),
	)
	if err != nil {
		return fmt.Errorf("writing schema version: %w", err)
	}
	return nil
}
