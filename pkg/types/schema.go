package types

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// SchemaVersion is a MAJOR.MINOR.PATCH schema version without the "v" prefix.
type SchemaVersion string

// BaselineVersion is the version of a store that has never been initialized.
const BaselineVersion SchemaVersion = "0.0.0"

// ParseSchemaVersion validates s as a full semantic version.
func ParseSchemaVersion(s string) (SchemaVersion, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if semver.Canonical("v"+s) != "v"+s {
		return "", fmt.Errorf("parse schema version %q: %w", s, ErrLedgerUnreadable)
	}
	return SchemaVersion(s), nil
}

// MustSchemaVersion is ParseSchemaVersion for compile-time constants.
func MustSchemaVersion(s string) SchemaVersion {
	v, err := ParseSchemaVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or +1.
func (v SchemaVersion) Compare(o SchemaVersion) int {
	return semver.Compare("v"+string(v), "v"+string(o))
}

// Less reports whether v sorts before o.
func (v SchemaVersion) Less(o SchemaVersion) bool { return v.Compare(o) < 0 }

// Valid reports whether v is a full semantic version.
func (v SchemaVersion) Valid() bool {
	return semver.Canonical("v"+string(v)) == "v"+string(v)
}

func (v SchemaVersion) String() string { return string(v) }

// Migration outcomes stored in schema_migrations.
const (
	OutcomeApplied = "applied"
)

// MigrationRecord is one applied migration step.
type MigrationRecord struct {
	MigrationID string      `json:"migration_id"`
	Backend     BackendKind `json:"backend"`
	AppliedAt   time.Time   `json:"applied_at"`
	Outcome     string      `json:"outcome"`
}

// BackupRef points at a pre-migration snapshot of the local store.
type BackupRef struct {
	Path        string        `json:"path"`
	FromVersion SchemaVersion `json:"from_version"`
	CreatedAt   time.Time     `json:"created_at"`
}
