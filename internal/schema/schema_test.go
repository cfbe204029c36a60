package schema

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

func TestDialectRendering(t *testing.T) {
	tbl := Table{
		Name: "things",
		Columns: []Column{
			{Name: "id", Type: TypeText, NotNull: true},
			{Name: "flag", Type: TypeBoolean, NotNull: true, Default: false},
			{Name: "note", Type: TypeText, Default: "it's"},
			{Name: "seen_at", Type: TypeTimestamp},
		},
		PrimaryKey: []string{"id"},
	}

	lite := SQLite.CreateTable(tbl)
	assert.Contains(t, lite, "CREATE TABLE IF NOT EXISTS things")
	assert.Contains(t, lite, "flag INTEGER NOT NULL DEFAULT 0")
	assert.Contains(t, lite, "note TEXT DEFAULT 'it''s'")
	assert.Contains(t, lite, "seen_at TEXT")
	assert.Contains(t, lite, "PRIMARY KEY (id)")

	pg := Postgres.CreateTable(tbl)
	assert.Contains(t, pg, "flag BOOLEAN NOT NULL DEFAULT FALSE")
	assert.Contains(t, pg, "seen_at TIMESTAMPTZ")

	col := Column{Name: "unit", Type: TypeText, NotNull: true, Default: ""}
	assert.Equal(t, "ALTER TABLE things ADD COLUMN unit TEXT NOT NULL DEFAULT ''", SQLite.AddColumn("things", col))
	assert.Equal(t, "ALTER TABLE things ADD COLUMN IF NOT EXISTS unit TEXT NOT NULL DEFAULT ''", Postgres.AddColumn("things", col))

	ix := Index{Name: "ux_things_note", Table: "things", Columns: []string{"note"}, Unique: true}
	assert.Equal(t, "CREATE UNIQUE INDEX IF NOT EXISTS ux_things_note ON things (note)", SQLite.CreateIndex(ix))
}

func TestStepsFormAChain(t *testing.T) {
	steps := Steps()
	require.NotEmpty(t, steps)
	assert.Equal(t, types.BaselineVersion, steps[0].From)
	for i := 1; i < len(steps); i++ {
		assert.Equal(t, steps[i-1].To, steps[i].From, "gap before %s", steps[i].ID)
		assert.True(t, steps[i].From.Less(steps[i].To), "step %s does not advance", steps[i].ID)
	}
	assert.Equal(t, Supported, steps[len(steps)-1].To)
}

func TestStatementsRespectScope(t *testing.T) {
	baseline := Steps()[0]

	settings := strings.Join(baseline.Statements(SQLite, ScopeSettings), "\n")
	assert.Contains(t, settings, "TABLE IF NOT EXISTS meta")
	assert.Contains(t, settings, "TABLE IF NOT EXISTS schema_migrations")
	assert.NotContains(t, settings, "property_definitions")

	domain := strings.Join(baseline.Statements(Postgres, ScopeDomain), "\n")
	assert.Contains(t, domain, "TABLE IF NOT EXISTS property_definitions")
	assert.Contains(t, domain, "TABLE IF NOT EXISTS schema_migrations")
	assert.NotContains(t, domain, "remote_connection")
}

func TestTablesAtVersion(t *testing.T) {
	assert.Empty(t, Tables(types.BaselineVersion, ScopeBoth))

	v10 := Tables(types.MustSchemaVersion("1.0.0"), ScopeDomain)
	props := findTable(t, v10, TablePropertyDefinitions)
	_, hasUnit := props.Column("unit")
	assert.False(t, hasUnit)

	v12 := Tables(Supported, ScopeDomain)
	props = findTable(t, v12, TablePropertyDefinitions)
	for _, name := range []string{"unit", "deprecated", "updated_at"} {
		_, ok := props.Column(name)
		assert.True(t, ok, "column %s", name)
	}
}

func findTable(t *testing.T, tables []Table, name string) Table {
	t.Helper()
	for _, tb := range tables {
		if tb.Name == name {
			return tb
		}
	}
	t.Fatalf("table %s not found", name)
	return Table{}
}

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestValidateAgainstLiveSQLite(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	report, err := Validate(ctx, db, SQLite, Tables(Supported, ScopeBoth))
	require.NoError(t, err)
	assert.True(t, report.Empty)
	assert.False(t, report.OK())
	assert.Equal(t, "database has no tables", report.Summary())

	for _, s := range Steps() {
		for _, stmt := range s.Statements(SQLite, ScopeBoth) {
			_, err := db.ExecContext(ctx, stmt)
			require.NoError(t, err, stmt)
		}
	}

	report, err = Validate(ctx, db, SQLite, Tables(Supported, ScopeBoth))
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Summary())
	assert.Equal(t, "schema matches", report.Summary())
}

func TestValidateReportsDeviations(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	for _, s := range Steps()[:1] {
		for _, stmt := range s.Statements(SQLite, ScopeBoth) {
			_, err := db.ExecContext(ctx, stmt)
			require.NoError(t, err)
		}
	}
	_, err := db.ExecContext(ctx, "CREATE TABLE scratch (x TEXT)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "DROP TABLE settings")
	require.NoError(t, err)

	report, err := Validate(ctx, db, SQLite, Tables(Supported, ScopeBoth))
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{TableSettings}, report.MissingTables)
	assert.Equal(t, []string{"scratch"}, report.ExtraTables)
	assert.ElementsMatch(t, []string{"unit", "deprecated", "updated_at"}, report.MissingColumns[TablePropertyDefinitions])
	assert.Contains(t, report.Summary(), "missing table settings")
}
