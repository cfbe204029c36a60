// Package schema describes the CPD database schema once, in logical terms,
// and renders it for the SQLite and PostgreSQL dialects. The migration step
// catalog in steps.go is the only source of DDL in the repository.
package schema

import (
	"fmt"
	"strings"
)

// ColumnType is a dialect-neutral column type.
type ColumnType int

// Column types.
const (
	TypeText ColumnType = iota
	TypeInteger
	TypeBoolean
	TypeTimestamp
	TypeReal
)

// Column describes one column. Default, when non-nil, is a Go literal
// (string, int or bool) rendered by the dialect.
type Column struct {
	Name    string
	Type    ColumnType
	NotNull bool
	Default any
}

// Table describes one table.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

// Column returns the named column and whether it exists.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Index describes a secondary index.
type Index struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// Dialect renders logical schema objects as DDL and supplies the catalog
// queries the validator needs.
type Dialect interface {
	Name() string
	ColumnType(ColumnType) string
	Literal(v any) string
	CreateTable(t Table) string
	AddColumn(table string, c Column) string
	CreateIndex(ix Index) string
	// ListTables returns a query yielding one user table name per row.
	ListTables() string
	// ListColumns returns a query, parameterized by table name, yielding one
	// column name per row.
	ListColumns() string
}

// SQLite is the dialect of the local settings store.
var SQLite Dialect = sqliteDialect{}

// Postgres is the dialect of the remote backend.
var Postgres Dialect = postgresDialect{}

func columnDef(d Dialect, c Column) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString(" ")
	b.WriteString(d.ColumnType(c.Type))
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(d.Literal(c.Default))
	}
	return b.String()
}

func createTable(d Dialect, t Table) string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		defs = append(defs, columnDef(d, c))
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(t.PrimaryKey, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", t.Name, strings.Join(defs, ",\n    "))
}

func createIndex(ix Index) string {
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)", unique, ix.Name, ix.Table, strings.Join(ix.Columns, ", "))
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) ColumnType(t ColumnType) string {
	switch t {
	case TypeInteger, TypeBoolean:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (sqliteDialect) Literal(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "1"
		}
		return "0"
	case string:
		return quote(x)
	default:
		return fmt.Sprint(x)
	}
}

func (d sqliteDialect) CreateTable(t Table) string { return createTable(d, t) }

// AddColumn has no IF NOT EXISTS form in SQLite; the ledger guarantees each
// step runs once per store.
func (d sqliteDialect) AddColumn(table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnDef(d, c))
}

func (sqliteDialect) CreateIndex(ix Index) string { return createIndex(ix) }

func (sqliteDialect) ListTables() string {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
}

func (sqliteDialect) ListColumns() string {
	return "SELECT name FROM pragma_table_info(?) ORDER BY cid"
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) ColumnType(t ColumnType) string {
	switch t {
	case TypeInteger:
		return "BIGINT"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	case TypeReal:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func (postgresDialect) Literal(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return quote(x)
	default:
		return fmt.Sprint(x)
	}
}

func (d postgresDialect) CreateTable(t Table) string { return createTable(d, t) }

func (d postgresDialect) AddColumn(table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", table, columnDef(d, c))
}

func (postgresDialect) CreateIndex(ix Index) string { return createIndex(ix) }

func (postgresDialect) ListTables() string {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name"
}

func (postgresDialect) ListColumns() string {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position"
}
