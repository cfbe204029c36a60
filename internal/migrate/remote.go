package migrate

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mesh-intelligence/cpd/internal/ledger"
	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Provision brings a remote database to the target version using d's DDL
// for the domain half of each step, records each step under the remote
// backend, and then validates the live schema. A database that has
// applied steps this build does not know is refused as newer.
func (r *Runner) Provision(ctx context.Context, db *sqlx.DB, d schema.Dialect) (*Outcome, error) {
	out := &Outcome{Phase: PhaseUpToDate, To: r.target}
	plan, err := r.Plan(types.BaselineVersion, r.target)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, types.NewError(types.KindMigration, "begin provisioning", d.Name(), err)
	}
	defer tx.Rollback()

	var tables []string
	if err := tx.SelectContext(ctx, &tables, d.ListTables()); err != nil {
		return nil, types.NewError(types.KindMigration, "list remote tables", d.Name(), err)
	}
	led := ledger.InTx(tx, types.BackendRemote)
	applied := map[string]bool{}
	for _, t := range tables {
		if t == schema.TableSchemaMigrations {
			if applied, err = led.Applied(ctx); err != nil {
				return nil, types.NewError(types.KindIncompatibleSchema, "read remote ledger", d.Name(), err)
			}
			break
		}
	}
	if err := r.rejectUnknown(applied); err != nil {
		return nil, err
	}

	for _, step := range plan {
		if applied[step.ID] {
			continue
		}
		for _, stmt := range step.Statements(d, schema.ScopeDomain) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return nil, types.NewError(types.KindMigration, "provision remote", d.Name(), err).WithStep(step.ID)
			}
		}
		if err := led.RecordApplied(ctx, step.ID, r.now()); err != nil {
			return nil, types.NewError(types.KindMigration, "provision remote", d.Name(), err).WithStep(step.ID)
		}
		out.Applied = append(out.Applied, step.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, types.NewError(types.KindMigration, "commit provisioning", d.Name(), err)
	}
	if len(out.Applied) > 0 {
		out.Phase = PhaseCommitted
		r.log.Info("migrate.remote.provisioned", "dialect", d.Name(), "steps", out.Applied)
	}

	report, err := schema.Validate(ctx, db, d, schema.Tables(r.target, schema.ScopeDomain))
	if err != nil {
		return nil, types.NewError(types.KindIncompatibleSchema, "validate remote schema", d.Name(), err)
	}
	out.Report = &report
	if !report.OK() {
		return out, types.NewError(types.KindIncompatibleSchema, "validate remote schema", d.Name(),
			fmt.Errorf("%s", report.Summary()))
	}
	return out, nil
}

func (r *Runner) rejectUnknown(applied map[string]bool) error {
	known := make(map[string]bool, len(r.steps))
	for _, s := range r.steps {
		known[s.ID] = true
	}
	for id := range applied {
		if !known[id] {
			return types.NewError(types.KindIncompatibleSchema, "check remote version", "",
				fmt.Errorf("%w: remote has applied %s", types.ErrUnsupportedNewerSchema, id))
		}
	}
	return nil
}
