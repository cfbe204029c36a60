package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/cpd/internal/ledger"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

const backupStamp = "20060102T150405Z"

// Backup snapshots the store with VACUUM INTO and verifies the copy opens,
// passes an integrity check and reports version from. The snapshot is
// named <store>.v<from>-<timestamp>.bak.
func (r *Runner) Backup(ctx context.Context, st Store, from types.SchemaVersion) (*types.BackupRef, error) {
	created := r.now().UTC()
	path := r.backupPath(st.Path, from, created)

	if _, err := st.DB.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		os.Remove(path)
		return nil, backupError(st.Path, err)
	}
	if err := verifyBackup(ctx, path, from); err != nil {
		os.Remove(path)
		return nil, backupError(st.Path, err)
	}
	r.log.Info("migrate.backup.ok", "path", st.Path, "backup", path, "from", from.String())
	return &types.BackupRef{Path: path, FromVersion: from, CreatedAt: created}, nil
}

func (r *Runner) backupPath(store string, from types.SchemaVersion, at time.Time) string {
	dir := r.backupDir
	if dir == "" {
		dir = filepath.Dir(store)
	}
	base := fmt.Sprintf("%s.v%s-%s", filepath.Base(store), from, at.Format(backupStamp))
	path := filepath.Join(dir, base+".bak")
	for i := 2; exists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.bak", base, i))
	}
	return path
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func verifyBackup(ctx context.Context, path string, from types.SchemaVersion) error {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening backup: %w", err)
	}
	defer db.Close()

	var check string
	if err := db.GetContext(ctx, &check, "PRAGMA integrity_check"); err != nil {
		return fmt.Errorf("checking backup: %w", err)
	}
	if check != "ok" {
		return fmt.Errorf("backup integrity check: %s", check)
	}
	v, err := ledger.CurrentVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("reading backup version: %w", err)
	}
	if v.Compare(from) != 0 {
		return fmt.Errorf("backup reports version %s, expected %s", v, from)
	}
	return nil
}

func backupError(store string, err error) error {
	return types.NewError(types.KindMigration, "backup", store, fmt.Errorf("%w: %w", types.ErrBackupFailed, err)).
		WithHint("backup failed; check disk space before retrying the migration")
}
