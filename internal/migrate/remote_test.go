package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cpd/internal/ledger"
	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

func TestProvisionFreshRemote(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, types.BaselineVersion)
	r := newRunner()

	out, err := r.Provision(ctx, st.DB, schema.SQLite)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, out.Phase)
	assert.Len(t, out.Applied, 3)
	require.NotNil(t, out.Report)
	assert.True(t, out.Report.OK())

	var tables []string
	require.NoError(t, st.DB.Select(&tables, schema.SQLite.ListTables()))
	assert.ElementsMatch(t, []string{schema.TablePropertyDefinitions, schema.TableSchemaMigrations}, tables)

	history, err := ledger.History(ctx, st.DB)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, types.BackendRemote, history[0].Backend)

	again, err := r.Provision(ctx, st.DB, schema.SQLite)
	require.NoError(t, err)
	assert.Equal(t, PhaseUpToDate, again.Phase)
	assert.Empty(t, again.Applied)
}

func TestProvisionRefusesNewerRemote(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, types.BaselineVersion)
	r := newRunner()
	_, err := r.Provision(ctx, st.DB, schema.SQLite)
	require.NoError(t, err)

	_, err = st.DB.Exec("INSERT INTO schema_migrations (migration_id, backend, applied_at, outcome) VALUES ('0099_future', 'remote', '2030-01-01T00:00:00Z', 'applied')")
	require.NoError(t, err)

	_, err = r.Provision(ctx, st.DB, schema.SQLite)
	assert.ErrorIs(t, err, types.ErrUnsupportedNewerSchema)
	assert.Equal(t, types.KindIncompatibleSchema, types.KindOf(err))
}

func TestProvisionReportsMissingColumns(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, types.BaselineVersion)
	r := newRunner()
	_, err := r.Provision(ctx, st.DB, schema.SQLite)
	require.NoError(t, err)

	_, err = st.DB.Exec("ALTER TABLE property_definitions DROP COLUMN unit")
	require.NoError(t, err)

	out, err := r.Provision(ctx, st.DB, schema.SQLite)
	assert.ErrorIs(t, err, types.ErrIncompatibleSchema)
	require.NotNil(t, out)
	require.NotNil(t, out.Report)
	assert.Equal(t, []string{"unit"}, out.Report.MissingColumns[schema.TablePropertyDefinitions])
	assert.Contains(t, err.Error(), "missing columns unit")
}
