// Package migrate moves a project's stores from their recorded schema
// version to the version this build supports.
//
// A local store is migrated in one SQLite transaction after a verified
// backup: every step, its ledger record and the version bump commit
// together or not at all. A remote database is provisioned with the domain
// half of the same step catalog and checked against the logical schema.
package migrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mesh-intelligence/cpd/internal/ledger"
	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Phase is a migration lifecycle state.
type Phase int

// Phases, in lifecycle order.
const (
	PhaseIdle Phase = iota
	PhaseVersionChecked
	PhaseUpToDate
	PhaseNeedsMigration
	PhaseNewerUnsupported
	PhaseBackupCreated
	PhaseMigrating
	PhaseCommitted
	PhaseRolledBack
)

var phaseNames = [...]string{
	PhaseIdle:             "idle",
	PhaseVersionChecked:   "version-checked",
	PhaseUpToDate:         "up-to-date",
	PhaseNeedsMigration:   "needs-migration",
	PhaseNewerUnsupported: "newer-unsupported",
	PhaseBackupCreated:    "backup-created",
	PhaseMigrating:        "migrating",
	PhaseCommitted:        "committed",
	PhaseRolledBack:       "rolled-back",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Decision is the result of comparing a store's version with the target.
type Decision struct {
	Phase   Phase
	Current types.SchemaVersion
	Target  types.SchemaVersion
}

// Err returns the refusal for a store newer than this build, or nil.
func (d Decision) Err() error {
	if d.Phase != PhaseNewerUnsupported {
		return nil
	}
	return types.NewError(types.KindIncompatibleSchema, "check version", "",
		fmt.Errorf("%w: %s is newer than %s", types.ErrUnsupportedNewerSchema, d.Current, d.Target))
}

// Store is a local SQLite store to migrate. DB must be the store's only
// open handle.
type Store struct {
	DB   *sqlx.DB
	Path string
	Mask schema.Scope
}

// LocalStore returns the Store for a project's settings file. The domain
// half of each step is included only when the project keeps its domain
// data locally.
func LocalStore(db *sqlx.DB, path string, backend types.BackendKind) Store {
	mask := schema.ScopeSettings
	if backend == types.BackendLocal {
		mask = schema.ScopeBoth
	}
	return Store{DB: db, Path: path, Mask: mask}
}

// Outcome describes what a migration did.
type Outcome struct {
	Phase   Phase               `json:"phase"`
	From    types.SchemaVersion `json:"from"`
	To      types.SchemaVersion `json:"to"`
	Applied []string            `json:"applied,omitempty"`
	Backup  *types.BackupRef    `json:"backup,omitempty"`
	Report  *schema.Report      `json:"report,omitempty"`
}

// Runner plans and applies migrations. A Runner holds no per-store state
// and may be shared.
type Runner struct {
	steps     []schema.Step
	target    types.SchemaVersion
	backupDir string
	now       func() time.Time
	log       *slog.Logger
	observe   func(Phase)
	progress  func(context.Context, schema.Step) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithCatalog replaces the step catalog and target version.
func WithCatalog(steps []schema.Step, target types.SchemaVersion) Option {
	return func(r *Runner) {
		r.steps = append([]schema.Step(nil), steps...)
		r.target = target
	}
}

// WithBackupDir writes backups to dir instead of next to the store.
func WithBackupDir(dir string) Option {
	return func(r *Runner) { r.backupDir = dir }
}

// WithClock sets the time source for backup names and ledger records.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithObserver is called on every phase transition.
func WithObserver(fn func(Phase)) Option {
	return func(r *Runner) { r.observe = fn }
}

// WithProgress is called inside the transaction before each step runs. A
// non-nil error aborts the migration and rolls it back.
func WithProgress(fn func(context.Context, schema.Step) error) Option {
	return func(r *Runner) { r.progress = fn }
}

// New returns a Runner over the built-in catalog targeting
// schema.Supported.
func New(opts ...Option) *Runner {
	r := &Runner{
		steps:  schema.Steps(),
		target: schema.Supported,
		now:    time.Now,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Target is the version this runner migrates to.
func (r *Runner) Target() types.SchemaVersion { return r.target }

func (r *Runner) enter(p Phase, attrs ...any) {
	r.log.Debug("migrate.phase", append([]any{"phase", p.String()}, attrs...)...)
	if r.observe != nil {
		r.observe(p)
	}
}

// Check compares current with the target version.
func (r *Runner) Check(current types.SchemaVersion) Decision {
	r.enter(PhaseVersionChecked, "current", current.String())
	d := Decision{Current: current, Target: r.target}
	switch c := current.Compare(r.target); {
	case c == 0:
		d.Phase = PhaseUpToDate
	case c < 0:
		d.Phase = PhaseNeedsMigration
	default:
		d.Phase = PhaseNewerUnsupported
	}
	r.enter(d.Phase, "current", current.String(), "target", r.target.String())
	return d
}

// Plan returns the chain of steps leading from current to target. Each
// step's source version is the previous step's destination.
func (r *Runner) Plan(current, target types.SchemaVersion) ([]schema.Step, error) {
	if current.Compare(target) == 0 {
		return nil, nil
	}
	if target.Less(current) {
		return nil, noPath(current, target)
	}
	var plan []schema.Step
	at := current
	for at.Less(target) {
		next, ok := r.stepFrom(at)
		if !ok || target.Less(next.To) || !at.Less(next.To) {
			return nil, noPath(current, target)
		}
		plan = append(plan, next)
		at = next.To
	}
	return plan, nil
}

func (r *Runner) stepFrom(v types.SchemaVersion) (schema.Step, bool) {
	for _, s := range r.steps {
		if s.From.Compare(v) == 0 {
			return s, true
		}
	}
	return schema.Step{}, false
}

func noPath(from, to types.SchemaVersion) error {
	return types.NewError(types.KindMigration, "plan", "",
		fmt.Errorf("%w: %s to %s", types.ErrNoPathFound, from, to))
}

// Initialize applies the whole catalog to a brand-new store. No backup is
// taken because there is nothing to restore.
func (r *Runner) Initialize(ctx context.Context, st Store) (*Outcome, error) {
	plan, err := r.Plan(types.BaselineVersion, r.target)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Phase: PhaseUpToDate, From: types.BaselineVersion, To: r.target}
	if len(plan) == 0 {
		return out, nil
	}
	r.enter(PhaseMigrating, "path", st.Path)
	if err := r.run(ctx, st, plan, out); err != nil {
		out.Phase = PhaseRolledBack
		r.enter(PhaseRolledBack, "path", st.Path, "err", err)
		return out, err
	}
	out.Phase = PhaseCommitted
	r.enter(PhaseCommitted, "path", st.Path, "version", r.target.String())
	return out, nil
}

// Apply backs the store up, then runs plan in one transaction. On failure
// the store is left exactly as it was and the error names the failing
// step. Steps the ledger already certifies are skipped.
func (r *Runner) Apply(ctx context.Context, st Store, plan []schema.Step) (*Outcome, error) {
	out := &Outcome{Phase: PhaseUpToDate}
	if len(plan) == 0 {
		return out, nil
	}
	out.From, out.To = plan[0].From, plan[len(plan)-1].To

	backup, err := r.Backup(ctx, st, out.From)
	if err != nil {
		return out, err
	}
	out.Backup = backup
	out.Phase = PhaseBackupCreated
	r.enter(PhaseBackupCreated, "path", st.Path, "backup", backup.Path)

	m := Marker{
		State:     MarkerPendingChoice,
		From:      out.From,
		To:        out.To,
		Backup:    backup.Path,
		StartedAt: r.now().UTC(),
	}
	for _, s := range plan {
		m.Steps = append(m.Steps, s.ID)
	}
	if err := writeMarker(st.Path, m); err != nil {
		return out, types.NewError(types.KindMigration, "write recovery marker", st.Path, err)
	}

	out.Phase = PhaseMigrating
	r.enter(PhaseMigrating, "path", st.Path, "from", out.From.String(), "to", out.To.String())
	runErr := r.run(ctx, st, plan, out)
	if runErr != nil {
		out.Phase = PhaseRolledBack
		r.enter(PhaseRolledBack, "path", st.Path, "err", runErr)
	} else {
		out.Phase = PhaseCommitted
		r.enter(PhaseCommitted, "path", st.Path, "version", out.To.String())
	}
	if err := clearMarker(st.Path); err != nil {
		r.log.Warn("migrate.marker.remove", "path", st.Path, "err", err)
	}
	return out, runErr
}

func (r *Runner) run(ctx context.Context, st Store, plan []schema.Step, out *Outcome) error {
	tx, err := st.DB.BeginTxx(ctx, nil)
	if err != nil {
		return types.NewError(types.KindMigration, "begin migration", st.Path, err)
	}
	defer tx.Rollback()

	led := ledger.InTx(tx, types.BackendLocal)
	current, err := versionInTx(ctx, tx, led)
	if err != nil {
		return types.NewError(types.KindMigration, "read version", st.Path, err)
	}

	for _, step := range plan {
		if !current.Less(step.To) {
			r.log.Debug("migrate.step.skip", "step", step.ID, "version", current.String())
			continue
		}
		if r.progress != nil {
			if err := r.progress(ctx, step); err != nil {
				return stepError(st.Path, step, err)
			}
		}
		for _, stmt := range step.Statements(schema.SQLite, st.Mask) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return stepError(st.Path, step, err)
			}
		}
		if err := led.RecordApplied(ctx, step.ID, r.now()); err != nil {
			return stepError(st.Path, step, err)
		}
		out.Applied = append(out.Applied, step.ID)
		r.log.Info("migrate.step.ok", "path", st.Path, "step", step.ID, "to", step.To.String())
	}

	last := plan[len(plan)-1]
	if err := led.SetVersion(ctx, last.To); err != nil {
		return stepError(st.Path, last, err)
	}
	if err := ctx.Err(); err != nil {
		return types.NewError(types.KindMigration, "commit migration", st.Path, err)
	}
	if err := tx.Commit(); err != nil {
		return types.NewError(types.KindMigration, "commit migration", st.Path, err)
	}
	return nil
}

func stepError(path string, step schema.Step, err error) error {
	return types.NewError(types.KindMigration, "apply migration", path, err).WithStep(step.ID)
}

// versionInTx reads the version inside tx, treating a store without a meta
// table as fresh.
func versionInTx(ctx context.Context, tx *sqlx.Tx, led *ledger.Txn) (types.SchemaVersion, error) {
	var n int
	err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", schema.TableMeta)
	if err != nil {
		return "", fmt.Errorf("checking meta table: %w", err)
	}
	if n == 0 {
		return types.BaselineVersion, nil
	}
	return led.Version(ctx)
}
