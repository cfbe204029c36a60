// Package dictionary is the canonical property dictionary of a project.
// Every read and write goes through the project's gateway, so the same code
// serves local and remote projects and honours read-only mode.
package dictionary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cpd/internal/gateway"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

const target = "property_definitions"

const columns = "id, name, data_type, unit, description, deprecated, created_at, updated_at"

// Statements issued against property_definitions. Placeholders are
// rebound per backend.
const (
	stmtList      gateway.Statement = "SELECT " + columns + " FROM property_definitions ORDER BY name"
	stmtListLive  gateway.Statement = "SELECT " + columns + " FROM property_definitions WHERE deprecated = ? ORDER BY name"
	stmtGet       gateway.Statement = "SELECT " + columns + " FROM property_definitions WHERE id = ?"
	stmtGetByName gateway.Statement = "SELECT " + columns + " FROM property_definitions WHERE name = ?"
	stmtNameTaken gateway.Statement = "SELECT id FROM property_definitions WHERE name = ? AND id <> ?"
	stmtInsert    gateway.Statement = "INSERT INTO property_definitions (" + columns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	stmtUpdate    gateway.Statement = "UPDATE property_definitions SET name = ?, data_type = ?, unit = ?, description = ?, deprecated = ?, updated_at = ? WHERE id = ?"
	stmtDelete    gateway.Statement = "DELETE FROM property_definitions WHERE id = ?"
)

// row is the storage shape. Timestamps are scanned as text: SQLite keeps
// them as RFC 3339 strings and the driver formats PostgreSQL values the
// same way.
type row struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	DataType    string         `db:"data_type"`
	Unit        string         `db:"unit"`
	Description string         `db:"description"`
	Deprecated  bool           `db:"deprecated"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   sql.NullString `db:"updated_at"`
}

func (r row) definition() (types.PropertyDefinition, error) {
	p := types.PropertyDefinition{
		ID:          r.ID,
		Name:        r.Name,
		DataType:    types.DataType(r.DataType),
		Unit:        r.Unit,
		Description: r.Description,
		Deprecated:  r.Deprecated,
	}
	var err error
	if p.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return p, fmt.Errorf("property %s created_at: %w", r.ID, err)
	}
	if r.UpdatedAt.Valid && r.UpdatedAt.String != "" {
		if p.UpdatedAt, err = parseTime(r.UpdatedAt.String); err != nil {
			return p, fmt.Errorf("property %s updated_at: %w", r.ID, err)
		}
	}
	return p, nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Filter narrows List.
type Filter struct {
	// IncludeDeprecated lists deprecated definitions too.
	IncludeDeprecated bool
	// Prefix keeps names starting with it, case-insensitively.
	Prefix string
}

// Dictionary edits the property definitions of one project.
type Dictionary struct {
	gw  *gateway.Gateway
	now func() time.Time
}

// Option configures a Dictionary.
type Option func(*Dictionary)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(d *Dictionary) { d.now = now } }

// New returns a Dictionary over gw.
func New(gw *gateway.Gateway, opts ...Option) *Dictionary {
	d := &Dictionary{gw: gw, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// List returns definitions ordered by name.
func (d *Dictionary) List(ctx context.Context, f Filter) ([]types.PropertyDefinition, error) {
	var rows []row
	var err error
	if f.IncludeDeprecated {
		err = d.gw.Select(ctx, gateway.Op{Name: "list properties", Target: target}, &rows, stmtList)
	} else {
		err = d.gw.Select(ctx, gateway.Op{Name: "list properties", Target: target}, &rows, stmtListLive, false)
	}
	if err != nil {
		return nil, err
	}
	prefix := strings.ToLower(f.Prefix)
	defs := make([]types.PropertyDefinition, 0, len(rows))
	for _, r := range rows {
		if prefix != "" && !strings.HasPrefix(strings.ToLower(r.Name), prefix) {
			continue
		}
		p, err := r.definition()
		if err != nil {
			return nil, types.NewError(types.KindIncompatibleSchema, "list properties", target, err)
		}
		defs = append(defs, p)
	}
	return defs, nil
}

// Get returns the definition with id.
func (d *Dictionary) Get(ctx context.Context, id string) (*types.PropertyDefinition, error) {
	if strings.TrimSpace(id) == "" {
		return nil, types.NewError(types.KindValidation, "get property", "", errors.New("id must not be empty"))
	}
	return d.one(ctx, gateway.Op{Name: "get property", Target: id}, stmtGet, id)
}

// Lookup returns the definition named name.
func (d *Dictionary) Lookup(ctx context.Context, name string) (*types.PropertyDefinition, error) {
	return d.one(ctx, gateway.Op{Name: "lookup property", Target: name}, stmtGetByName, strings.TrimSpace(name))
}

func (d *Dictionary) one(ctx context.Context, op gateway.Op, stmt gateway.Statement, arg string) (*types.PropertyDefinition, error) {
	var r row
	if err := d.gw.Get(ctx, op, &r, stmt, arg); err != nil {
		return nil, err
	}
	p, err := r.definition()
	if err != nil {
		return nil, types.NewError(types.KindIncompatibleSchema, op.Name, op.Target, err)
	}
	return &p, nil
}

// Add stores a new definition, assigning its ID and CreatedAt.
// Names are unique; a clash is a KindConflict error.
func (d *Dictionary) Add(ctx context.Context, p *types.PropertyDefinition) error {
	p.Name = strings.TrimSpace(p.Name)
	if err := p.Validate(); err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating UUID v7: %w", err)
	}
	now := d.now().UTC()

	op := gateway.Op{Name: "add property", Target: p.Name}
	err = d.gw.WithTx(ctx, op, func(tx *gateway.Tx) error {
		if err := nameFree(ctx, tx, p.Name, id.String()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, stmtInsert, id.String(), p.Name, string(p.DataType), p.Unit, p.Description, p.Deprecated, formatTime(now), nil)
		return err
	})
	if err != nil {
		return duplicate(err, p.Name)
	}
	p.ID = id.String()
	p.CreatedAt = now
	p.UpdatedAt = time.Time{}
	return nil
}

// Update rewrites the editable fields of the definition with p.ID and sets
// UpdatedAt. ID and CreatedAt never change.
func (d *Dictionary) Update(ctx context.Context, p *types.PropertyDefinition) error {
	if strings.TrimSpace(p.ID) == "" {
		return types.NewError(types.KindValidation, "update property", p.Name, errors.New("id must not be empty"))
	}
	p.Name = strings.TrimSpace(p.Name)
	if err := p.Validate(); err != nil {
		return err
	}
	now := d.now().UTC()

	op := gateway.Op{Name: "update property", Target: p.ID}
	err := d.gw.WithTx(ctx, op, func(tx *gateway.Tx) error {
		if err := nameFree(ctx, tx, p.Name, p.ID); err != nil {
			return err
		}
		n, err := tx.Exec(ctx, stmtUpdate, p.Name, string(p.DataType), p.Unit, p.Description, p.Deprecated, formatTime(now), p.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return types.NewError(types.KindNotFound, "update property", p.ID, nil)
		}
		return nil
	})
	if err != nil {
		return duplicate(err, p.Name)
	}
	p.UpdatedAt = now
	return nil
}

// Deprecate marks the definition with id deprecated. Deprecated
// definitions stay readable but drop out of the default listing.
func (d *Dictionary) Deprecate(ctx context.Context, id string) error {
	p, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Deprecated {
		return nil
	}
	p.Deprecated = true
	return d.Update(ctx, p)
}

// Delete removes the definition with id.
func (d *Dictionary) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return types.NewError(types.KindValidation, "delete property", "", errors.New("id must not be empty"))
	}
	n, err := d.gw.Exec(ctx, gateway.Op{Name: "delete property", Target: id}, stmtDelete, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NewError(types.KindNotFound, "delete property", id, nil)
	}
	return nil
}

func nameFree(ctx context.Context, tx *gateway.Tx, name, id string) error {
	var other string
	err := tx.Get(ctx, &other, stmtNameTaken, name, id)
	if err == nil {
		return types.NewError(types.KindConflict, "check property name", name, types.ErrDuplicateName)
	}
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

// duplicate maps a unique-index violation that slipped past nameFree onto
// ErrDuplicateName.
func duplicate(err error, name string) error {
	if types.KindOf(err) == types.KindConflict && !errors.Is(err, types.ErrDuplicateName) {
		return types.NewError(types.KindConflict, "check property name", name, fmt.Errorf("%w: %w", types.ErrDuplicateName, err))
	}
	return err
}
