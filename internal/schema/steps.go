package schema

import (
	"sort"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Table names.
const (
	TableMeta                = "meta"
	TableSettings            = "settings"
	TableRemoteConnection    = "remote_connection"
	TableSchemaMigrations    = "schema_migrations"
	TablePropertyDefinitions = "property_definitions"
)

// Supported is the schema version this build reads and writes.
var Supported = types.MustSchemaVersion("1.2.0")

// Scope says which store an operation belongs to. Settings objects always
// live in the local store; domain objects live wherever the project's
// backend is.
type Scope uint8

// Scopes.
const (
	ScopeSettings Scope = 1 << iota
	ScopeDomain
	ScopeBoth = ScopeSettings | ScopeDomain
)

// Op is one schema change inside a migration step.
type Op interface {
	Scope() Scope
	Render(d Dialect) string
	apply(tables map[string]*Table, order *[]string)
}

type createTableOp struct {
	scope Scope
	table Table
}

func (o createTableOp) Scope() Scope            { return o.scope }
func (o createTableOp) Render(d Dialect) string { return d.CreateTable(o.table) }

func (o createTableOp) apply(tables map[string]*Table, order *[]string) {
	t := o.table
	t.Columns = append([]Column(nil), o.table.Columns...)
	if _, ok := tables[t.Name]; !ok {
		*order = append(*order, t.Name)
	}
	tables[t.Name] = &t
}

type addColumnOp struct {
	scope  Scope
	table  string
	column Column
}

func (o addColumnOp) Scope() Scope            { return o.scope }
func (o addColumnOp) Render(d Dialect) string { return d.AddColumn(o.table, o.column) }

func (o addColumnOp) apply(tables map[string]*Table, _ *[]string) {
	if t, ok := tables[o.table]; ok {
		t.Columns = append(t.Columns, o.column)
	}
}

type createIndexOp struct {
	scope Scope
	index Index
}

func (o createIndexOp) Scope() Scope                       { return o.scope }
func (o createIndexOp) Render(d Dialect) string            { return d.CreateIndex(o.index) }
func (o createIndexOp) apply(map[string]*Table, *[]string) {}

type execOp struct {
	scope Scope
	sql   string
}

// Exec returns an op that runs sql verbatim on every dialect. It leaves the
// logical table set unchanged, so it suits data fixes rather than DDL.
func Exec(scope Scope, sql string) Op { return execOp{scope, sql} }

func (o execOp) Scope() Scope                       { return o.scope }
func (o execOp) Render(Dialect) string              { return o.sql }
func (o execOp) apply(map[string]*Table, *[]string) {}

// Step is one versioned migration.
type Step struct {
	ID   string
	From types.SchemaVersion
	To   types.SchemaVersion
	Ops  []Op
}

// Statements renders the step's operations that fall within mask.
func (s Step) Statements(d Dialect, mask Scope) []string {
	var out []string
	for _, op := range s.Ops {
		if op.Scope()&mask != 0 {
			out = append(out, op.Render(d))
		}
	}
	return out
}

var catalog = []Step{
	{
		ID:   "0001_baseline",
		From: types.BaselineVersion,
		To:   types.MustSchemaVersion("1.0.0"),
		Ops: []Op{
			createTableOp{ScopeSettings, Table{
				Name: TableMeta,
				Columns: []Column{
					{Name: "key", Type: TypeText, NotNull: true},
					{Name: "value", Type: TypeText, NotNull: true},
				},
				PrimaryKey: []string{"key"},
			}},
			createTableOp{ScopeBoth, Table{
				Name: TableSchemaMigrations,
				Columns: []Column{
					{Name: "migration_id", Type: TypeText, NotNull: true},
					{Name: "backend", Type: TypeText, NotNull: true},
					{Name: "applied_at", Type: TypeText, NotNull: true},
					{Name: "outcome", Type: TypeText, NotNull: true},
				},
				PrimaryKey: []string{"migration_id", "backend"},
			}},
			createTableOp{ScopeSettings, Table{
				Name: TableSettings,
				Columns: []Column{
					{Name: "key", Type: TypeText, NotNull: true},
					{Name: "value", Type: TypeText, NotNull: true},
				},
				PrimaryKey: []string{"key"},
			}},
			createTableOp{ScopeSettings, Table{
				Name: TableRemoteConnection,
				Columns: []Column{
					{Name: "id", Type: TypeInteger, NotNull: true},
					{Name: "host", Type: TypeText, NotNull: true},
					{Name: "port", Type: TypeInteger, NotNull: true},
					{Name: "database_name", Type: TypeText, NotNull: true},
					{Name: "auth_mode", Type: TypeText, NotNull: true},
					{Name: "username", Type: TypeText, NotNull: true, Default: ""},
					{Name: "trust_server_certificate", Type: TypeBoolean, NotNull: true, Default: false},
				},
				PrimaryKey: []string{"id"},
			}},
			createTableOp{ScopeDomain, Table{
				Name: TablePropertyDefinitions,
				Columns: []Column{
					{Name: "id", Type: TypeText, NotNull: true},
					{Name: "name", Type: TypeText, NotNull: true},
					{Name: "data_type", Type: TypeText, NotNull: true},
					{Name: "description", Type: TypeText, NotNull: true, Default: ""},
					{Name: "created_at", Type: TypeTimestamp, NotNull: true},
				},
				PrimaryKey: []string{"id"},
			}},
			createIndexOp{ScopeDomain, Index{
				Name: "ux_property_definitions_name", Table: TablePropertyDefinitions,
				Columns: []string{"name"}, Unique: true,
			}},
		},
	},
	{
		ID:   "0002_property_unit",
		From: types.MustSchemaVersion("1.0.0"),
		To:   types.MustSchemaVersion("1.1.0"),
		Ops: []Op{
			addColumnOp{ScopeDomain, TablePropertyDefinitions, Column{Name: "unit", Type: TypeText, NotNull: true, Default: ""}},
			createIndexOp{ScopeDomain, Index{
				Name: "ix_property_definitions_data_type", Table: TablePropertyDefinitions,
				Columns: []string{"data_type"},
			}},
		},
	},
	{
		ID:   "0003_property_lifecycle",
		From: types.MustSchemaVersion("1.1.0"),
		To:   types.MustSchemaVersion("1.2.0"),
		Ops: []Op{
			addColumnOp{ScopeDomain, TablePropertyDefinitions, Column{Name: "deprecated", Type: TypeBoolean, NotNull: true, Default: false}},
			addColumnOp{ScopeDomain, TablePropertyDefinitions, Column{Name: "updated_at", Type: TypeTimestamp}},
		},
	},
}

// Steps returns the migration catalog ordered by source version.
func Steps() []Step {
	out := append([]Step(nil), catalog...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].From.Less(out[j].From) })
	return out
}

// Tables returns the logical tables in mask as they stand at version v.
func Tables(v types.SchemaVersion, mask Scope) []Table {
	tables := map[string]*Table{}
	var order []string
	for _, s := range Steps() {
		if v.Less(s.To) {
			break
		}
		for _, op := range s.Ops {
			if op.Scope()&mask != 0 {
				op.apply(tables, &order)
			}
		}
	}
	out := make([]Table, 0, len(order))
	for _, name := range order {
		out = append(out, *tables[name])
	}
	return out
}
