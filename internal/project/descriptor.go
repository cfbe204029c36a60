package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/cpd/internal/backend"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Settings keys holding the project descriptor.
const (
	keyName      = "project.name"
	keyBackend   = "project.backend"
	keyCreatedAt = "project.created_at"
)

type settingRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

type profileRow struct {
	Host                   string `db:"host"`
	Port                   int    `db:"port"`
	DatabaseName           string `db:"database_name"`
	AuthMode               string `db:"auth_mode"`
	Username               string `db:"username"`
	TrustServerCertificate bool   `db:"trust_server_certificate"`
}

// saveDescriptor writes the descriptor into the settings store in one
// transaction.
func saveDescriptor(ctx context.Context, l *backend.Local, d types.ProjectDescriptor) error {
	tx, err := l.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const upsert = "INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value"
	for _, kv := range [][2]string{
		{keyName, d.Name},
		{keyBackend, string(d.Backend)},
		{keyCreatedAt, d.CreatedAt.UTC().Format(time.RFC3339Nano)},
	} {
		if _, err := tx.Exec(ctx, upsert, kv[0], kv[1]); err != nil {
			return fmt.Errorf("saving %s: %w", kv[0], err)
		}
	}
	if p := d.Profile; p != nil {
		_, err := tx.Exec(ctx,
			"INSERT INTO remote_connection (id, host, port, database_name, auth_mode, username, trust_server_certificate) VALUES (1, ?, ?, ?, ?, ?, ?)",
			p.Host, p.Port, p.Database, string(p.AuthMode), p.Username, p.TrustServerCertificate)
		if err != nil {
			return fmt.Errorf("saving connection profile: %w", err)
		}
	}
	return tx.Commit()
}

// loadDescriptor reads the descriptor back from the settings store.
func loadDescriptor(ctx context.Context, l *backend.Local, path string) (types.ProjectDescriptor, error) {
	var rows []settingRow
	if err := l.Select(ctx, &rows, "SELECT key, value FROM settings WHERE key LIKE 'project.%'"); err != nil {
		return types.ProjectDescriptor{}, settingsError(path, err)
	}
	kv := make(map[string]string, len(rows))
	for _, r := range rows {
		kv[r.Key] = r.Value
	}

	d := types.ProjectDescriptor{Path: path, Name: kv[keyName]}
	kind, err := types.ParseBackendKind(kv[keyBackend])
	if err != nil {
		return d, settingsError(path, err)
	}
	d.Backend = kind
	if raw := kv[keyCreatedAt]; raw != "" {
		if d.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return d, settingsError(path, err)
		}
	}

	if kind == types.BackendRemote {
		var p profileRow
		err := l.Get(ctx, &p, "SELECT host, port, database_name, auth_mode, username, trust_server_certificate FROM remote_connection WHERE id = 1")
		if err != nil {
			return d, settingsError(path, err)
		}
		d.Profile = &types.ConnectionProfile{
			Host:                   p.Host,
			Port:                   p.Port,
			Database:               p.DatabaseName,
			AuthMode:               types.AuthMode(p.AuthMode),
			Username:               p.Username,
			TrustServerCertificate: p.TrustServerCertificate,
		}
	}
	if err := d.Validate(); err != nil {
		return d, settingsError(path, err)
	}
	return d, nil
}

func settingsError(path string, err error) error {
	if errors.Is(err, types.ErrNotFound) {
		err = errors.New("project settings are missing")
	}
	return types.NewError(types.KindIncompatibleSchema, "read project settings", path, err).
		WithHint("the project settings are damaged; restore the project from a backup")
}
