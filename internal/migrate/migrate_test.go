package migrate

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cpd/internal/backend"
	"github.com/mesh-intelligence/cpd/internal/ledger"
	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

var (
	v100 = types.MustSchemaVersion("1.0.0")
	v110 = types.MustSchemaVersion("1.1.0")
	v130 = types.MustSchemaVersion("1.3.0")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fixedClock() func() time.Time {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newRunner(opts ...Option) *Runner {
	return New(append([]Option{WithLogger(discard()), WithClock(fixedClock())}, opts...)...)
}

// stepsUpTo returns the built-in catalog truncated at v.
func stepsUpTo(v types.SchemaVersion) []schema.Step {
	var out []schema.Step
	for _, s := range schema.Steps() {
		if !v.Less(s.To) {
			out = append(out, s)
		}
	}
	return out
}

// newStore opens a fresh local store and initializes it to version v.
func newStore(t *testing.T, v types.SchemaVersion) (Store, *backend.Local) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "project.cpd")
	l, err := backend.OpenLocal(ctx, path, backend.LocalOptions{Logger: discard()})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	db, err := l.DB()
	require.NoError(t, err)

	st := LocalStore(db, path, types.BackendLocal)
	if v != types.BaselineVersion {
		_, err = newRunner(WithCatalog(stepsUpTo(v), v)).Initialize(ctx, st)
		require.NoError(t, err)
	}
	return st, l
}

func version(t *testing.T, db *sqlx.DB) types.SchemaVersion {
	t.Helper()
	v, err := ledger.CurrentVersion(context.Background(), db)
	require.NoError(t, err)
	return v
}

func columns(t *testing.T, db *sqlx.DB, table string) []string {
	t.Helper()
	var cols []string
	require.NoError(t, db.Select(&cols, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table))
	return cols
}

func insertProperty(t *testing.T, db *sqlx.DB, id, name string) {
	t.Helper()
	_, err := db.Exec("INSERT INTO property_definitions (id, name, data_type, description, created_at) VALUES (?, ?, 'decimal', '', '2024-01-01T00:00:00Z')", id, name)
	require.NoError(t, err)
}

func TestPlan(t *testing.T) {
	r := newRunner()
	tests := []struct {
		name    string
		from    types.SchemaVersion
		to      types.SchemaVersion
		want    []string
		wantErr bool
	}{
		{"fresh store", types.BaselineVersion, schema.Supported, []string{"0001_baseline", "0002_property_unit", "0003_property_lifecycle"}, false},
		{"one behind", v110, schema.Supported, []string{"0003_property_lifecycle"}, false},
		{"current", schema.Supported, schema.Supported, nil, false},
		{"downgrade", schema.Supported, v100, nil, true},
		{"between steps", v100, types.MustSchemaVersion("1.1.5"), nil, true},
		{"beyond catalog", v100, v130, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := r.Plan(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrNoPathFound)
				assert.ErrorIs(t, err, types.ErrMigration)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, s := range plan {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestPlanGapInCatalog(t *testing.T) {
	all := schema.Steps()
	r := newRunner(WithCatalog([]schema.Step{all[0], all[2]}, schema.Supported))
	_, err := r.Plan(types.BaselineVersion, schema.Supported)
	assert.ErrorIs(t, err, types.ErrNoPathFound)
}

func TestCheck(t *testing.T) {
	var phases []Phase
	r := newRunner(WithObserver(func(p Phase) { phases = append(phases, p) }))

	assert.Equal(t, PhaseUpToDate, r.Check(schema.Supported).Phase)
	assert.Equal(t, PhaseNeedsMigration, r.Check(v100).Phase)

	d := r.Check(v130)
	assert.Equal(t, PhaseNewerUnsupported, d.Phase)
	assert.ErrorIs(t, d.Err(), types.ErrUnsupportedNewerSchema)
	assert.Contains(t, types.HintOf(d.Err()), "upgrade the application")
	assert.NoError(t, r.Check(v100).Err())

	assert.Equal(t, PhaseVersionChecked, phases[0])
	assert.Equal(t, "newer-unsupported", PhaseNewerUnsupported.String())
}

func TestInitializeFreshStore(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, types.BaselineVersion)

	out, err := newRunner().Initialize(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, out.Phase)
	assert.Nil(t, out.Backup)
	assert.Len(t, out.Applied, 3)
	assert.Equal(t, schema.Supported, version(t, st.DB))

	history, err := ledger.History(ctx, st.DB)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, rec := range history {
		assert.Equal(t, types.BackendLocal, rec.Backend)
	}

	report, err := schema.Validate(ctx, st.DB, schema.SQLite, schema.Tables(schema.Supported, schema.ScopeBoth))
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Summary())

	backups, _ := filepath.Glob(st.Path + ".v*.bak")
	assert.Empty(t, backups)
}

func TestInitializeSettingsOnly(t *testing.T) {
	ctx := context.Background()
	st, l := newStore(t, types.BaselineVersion)
	db, err := l.DB()
	require.NoError(t, err)
	st = LocalStore(db, st.Path, types.BackendRemote)

	_, err = newRunner().Initialize(ctx, st)
	require.NoError(t, err)

	var tables []string
	require.NoError(t, db.Select(&tables, schema.SQLite.ListTables()))
	assert.Contains(t, tables, schema.TableSettings)
	assert.Contains(t, tables, schema.TableSchemaMigrations)
	assert.NotContains(t, tables, schema.TablePropertyDefinitions)
	assert.Equal(t, schema.Supported, version(t, db))
}

func TestApplyMigratesWithBackup(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, v100)
	insertProperty(t, st.DB, "p1", "Length")

	var phases []Phase
	r := newRunner(WithObserver(func(p Phase) { phases = append(phases, p) }))
	plan, err := r.Plan(v100, schema.Supported)
	require.NoError(t, err)

	out, err := r.Apply(ctx, st, plan)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, out.Phase)
	assert.Equal(t, []string{"0002_property_unit", "0003_property_lifecycle"}, out.Applied)
	assert.Equal(t, []Phase{PhaseBackupCreated, PhaseMigrating, PhaseCommitted}, phases)
	assert.Equal(t, schema.Supported, version(t, st.DB))
	assert.Contains(t, columns(t, st.DB, schema.TablePropertyDefinitions), "deprecated")

	var unit string
	require.NoError(t, st.DB.Get(&unit, "SELECT unit FROM property_definitions WHERE id = 'p1'"))
	assert.Equal(t, "", unit)

	require.NotNil(t, out.Backup)
	assert.Equal(t, v100, out.Backup.FromVersion)
	assert.Equal(t, st.Path+".v1.0.0-20240301T120000Z.bak", out.Backup.Path)
	bak, err := sqlx.Open("sqlite", out.Backup.Path)
	require.NoError(t, err)
	defer bak.Close()
	assert.Equal(t, v100, version(t, bak))

	m, err := ReadMarker(st.Path)
	require.NoError(t, err)
	assert.Equal(t, MarkerNone, m.State)
}

func TestApplyTwiceIsNoOp(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, v100)
	r := newRunner()
	plan, err := r.Plan(v100, schema.Supported)
	require.NoError(t, err)

	_, err = r.Apply(ctx, st, plan)
	require.NoError(t, err)
	before := columns(t, st.DB, schema.TablePropertyDefinitions)

	out, err := r.Apply(ctx, st, plan)
	require.NoError(t, err)
	assert.Empty(t, out.Applied)
	assert.Equal(t, before, columns(t, st.DB, schema.TablePropertyDefinitions))
	assert.Equal(t, schema.Supported, version(t, st.DB))

	history, err := ledger.History(ctx, st.DB)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestApplyFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, v100)
	insertProperty(t, st.DB, "p1", "Length")

	broken := schema.Step{
		ID:   "0004_broken",
		From: schema.Supported,
		To:   v130,
		Ops:  []schema.Op{schema.Exec(schema.ScopeBoth, "ALTER TABLE no_such_table ADD COLUMN x TEXT")},
	}
	r := newRunner(WithCatalog(append(schema.Steps(), broken), v130))
	plan, err := r.Plan(v100, v130)
	require.NoError(t, err)
	require.Len(t, plan, 3)

	out, err := r.Apply(ctx, st, plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMigration)
	assert.Equal(t, types.KindMigration, types.KindOf(err))
	assert.Contains(t, err.Error(), "0004_broken")
	assert.Equal(t, PhaseRolledBack, out.Phase)

	// Steps that ran before the failure are rolled back too.
	assert.Equal(t, v100, version(t, st.DB))
	assert.NotContains(t, columns(t, st.DB, schema.TablePropertyDefinitions), "unit")
	history, err := ledger.History(ctx, st.DB)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	var n int
	require.NoError(t, st.DB.Get(&n, "SELECT COUNT(*) FROM property_definitions"))
	assert.Equal(t, 1, n)

	m, err := ReadMarker(st.Path)
	require.NoError(t, err)
	assert.Equal(t, MarkerNone, m.State)
	require.NotNil(t, out.Backup)
	assert.FileExists(t, out.Backup.Path)
}

func TestApplyCancelledRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, _ := newStore(t, v100)

	r := newRunner(WithProgress(func(ctx context.Context, s schema.Step) error {
		if s.ID == "0003_property_lifecycle" {
			cancel()
			return ctx.Err()
		}
		return nil
	}))
	plan, err := r.Plan(v100, schema.Supported)
	require.NoError(t, err)

	_, err = r.Apply(ctx, st, plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, types.ErrMigration)
	assert.Equal(t, v100, version(t, st.DB))
}

func TestApplyBackupFailure(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, v100)

	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))

	var phases []Phase
	r := newRunner(WithBackupDir(notADir), WithObserver(func(p Phase) { phases = append(phases, p) }))
	plan, err := r.Plan(v100, schema.Supported)
	require.NoError(t, err)

	_, err = r.Apply(ctx, st, plan)
	assert.ErrorIs(t, err, types.ErrBackupFailed)
	assert.Contains(t, types.HintOf(err), "disk space")
	assert.Empty(t, phases, "migration must not start without a backup")
	assert.Equal(t, v100, version(t, st.DB))

	m, err := ReadMarker(st.Path)
	require.NoError(t, err)
	assert.Equal(t, MarkerNone, m.State)
}

func TestResumeInterruptedMigration(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, v100)
	require.NoError(t, writeMarker(st.Path, Marker{State: MarkerPendingChoice, From: v100, To: schema.Supported}))

	m, err := ReadMarker(st.Path)
	require.NoError(t, err)
	assert.Equal(t, MarkerPendingChoice, m.State)

	out, err := newRunner().Resume(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, out.Phase)
	assert.Equal(t, schema.Supported, version(t, st.DB))
	assert.NoFileExists(t, MarkerPath(st.Path))
}

func TestResumeAfterCommit(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, schema.Supported)
	require.NoError(t, writeMarker(st.Path, Marker{State: MarkerPendingChoice, From: v100, To: schema.Supported}))

	out, err := newRunner().Resume(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, PhaseUpToDate, out.Phase)
	assert.NoFileExists(t, MarkerPath(st.Path))
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	st, l := newStore(t, v100)
	insertProperty(t, st.DB, "p1", "Length")

	r := newRunner()
	ref, err := r.Backup(ctx, st, v100)
	require.NoError(t, err)
	insertProperty(t, st.DB, "p2", "Width")
	require.NoError(t, writeMarker(st.Path, Marker{State: MarkerPendingChoice, From: v100, To: schema.Supported, Backup: ref.Path}))
	require.NoError(t, l.Close())

	require.NoError(t, Restore(st.Path))
	assert.NoFileExists(t, MarkerPath(st.Path))

	reopened, err := backend.OpenLocal(ctx, st.Path, backend.LocalOptions{Logger: discard()})
	require.NoError(t, err)
	defer reopened.Close()
	var names []string
	require.NoError(t, reopened.Select(ctx, &names, "SELECT name FROM property_definitions ORDER BY name"))
	assert.Equal(t, []string{"Length"}, names)
}

func TestRestoreWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "project.cpd")
	require.NoError(t, writeMarker(store, Marker{State: MarkerPendingChoice}))
	err := Restore(store)
	assert.ErrorIs(t, err, types.ErrBackupFailed)
	assert.FileExists(t, MarkerPath(store))

	assert.NoError(t, Restore(filepath.Join(dir, "other.cpd")), "no marker means nothing to restore")
}

func TestReadMarkerCorrupt(t *testing.T) {
	store := filepath.Join(t.TempDir(), "project.cpd")
	require.NoError(t, os.WriteFile(MarkerPath(store), []byte("{not json"), 0o644))
	m, err := ReadMarker(store)
	require.NoError(t, err)
	assert.Equal(t, MarkerPendingChoice, m.State)
}

func TestParseChoice(t *testing.T) {
	c, err := ParseChoice("restore")
	require.NoError(t, err)
	assert.Equal(t, ChoiceRestore, c)
	_, err = ParseChoice("later")
	assert.ErrorIs(t, err, types.ErrValidation)
}
