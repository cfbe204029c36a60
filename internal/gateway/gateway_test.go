package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cpd/internal/backend"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// mockBackend is a remote backend double.
type mockBackend struct {
	mock.Mock
	kind types.BackendKind
}

func (m *mockBackend) Kind() types.BackendKind { return m.kind }

func (m *mockBackend) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	a := m.Called(query)
	return a.Get(0).(int64), a.Error(1)
}

func (m *mockBackend) Select(ctx context.Context, dest any, query string, args ...any) error {
	return m.Called(query).Error(0)
}

func (m *mockBackend) Get(ctx context.Context, dest any, query string, args ...any) error {
	return m.Called(query).Error(0)
}

func (m *mockBackend) Begin(ctx context.Context) (*backend.Tx, error) {
	a := m.Called()
	tx, _ := a.Get(0).(*backend.Tx)
	return tx, a.Error(1)
}

func (m *mockBackend) TestReachability(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockBackend) Close() error { return m.Called().Error(0) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const (
	insertItem Statement = "INSERT INTO items (id) VALUES (?)"
	selectItem Statement = "SELECT id FROM items"
)

var itemsOp = Op{Name: "list items", Target: "items"}

func unreachable() error {
	return types.ConnectionError("connect", "db.example:5432", types.ReasonUnreachable,
		errors.New("dial tcp: connection refused password=hunter2"))
}

func newRemote(t *testing.T, reach error) (*Gateway, *mockBackend, *[]Record) {
	t.Helper()
	m := &mockBackend{kind: types.BackendRemote}
	m.On("TestReachability").Return(reach).Once()
	var records []Record
	g := New(m, Options{Logger: discard(), Observer: func(r Record) { records = append(records, r) }})
	return g, m, &records
}

func TestConnectRemoteUnreachableDegrades(t *testing.T) {
	ctx := context.Background()
	g, m, _ := newRemote(t, unreachable())

	state, err := g.Connect(ctx)
	assert.Error(t, err)
	assert.Equal(t, types.StateDegradedReadOnly, state)
	assert.Equal(t, types.StateDegradedReadOnly, g.State())

	_, err = g.Exec(ctx, itemsOp, insertItem, "a")
	assert.ErrorIs(t, err, types.ErrReadOnlyMode)
	err = g.WithTx(ctx, itemsOp, func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, types.ErrReadOnlyMode)
	m.AssertNotCalled(t, "Exec", string(insertItem))
	m.AssertNotCalled(t, "Begin")

	// Reads are still attempted.
	m.On("Select", string(selectItem)).Return(nil).Once()
	var ids []string
	assert.NoError(t, g.Select(ctx, itemsOp, &ids, selectItem))
	m.AssertExpectations(t)
}

func TestDegradedReadAgainstUnreachableServer(t *testing.T) {
	ctx := context.Background()
	g, m, records := newRemote(t, unreachable())
	_, _ = g.Connect(ctx)
	require.Equal(t, types.StateDegradedReadOnly, g.State())

	m.On("Select", string(selectItem)).Return(types.ConnectionError("select", "db.example:5432", types.ReasonUnreachable, errors.New("dial tcp: i/o error"))).Once()
	var ids []string
	err := g.Select(ctx, itemsOp, &ids, selectItem)
	require.Error(t, err, "an unreachable server must not look like an empty result")
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Equal(t, types.KindConnection, types.KindOf(err))
	assert.Equal(t, types.ReasonUnreachable, types.ReasonOf(err))
	assert.Nil(t, ids)
	assert.Equal(t, types.StateFailed, g.State())
	assert.Equal(t, types.ReasonUnreachable, g.Status().Reason)

	last := (*records)[len(*records)-1]
	assert.Equal(t, string(types.KindConnection), last.Outcome)
	assert.Zero(t, last.Rows)

	// Further reads are refused without reaching the backend.
	err = g.Select(ctx, itemsOp, &ids, selectItem)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, types.ReasonUnreachable, types.ReasonOf(err))
	m.AssertExpectations(t)

	m.On("TestReachability").Return(nil).Once()
	state, err := g.CheckReachability(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StateConnected, state)
}

func TestOperationFailuresMoveState(t *testing.T) {
	timeout := types.ConnectionError("exec", "db.example:5432", types.ReasonTimeout, errors.New("i/o timeout"))
	tests := []struct {
		name  string
		reach error
		write bool
		opErr error
		want  types.ConnectionState
	}{
		{"connected write times out", nil, true, timeout, types.StateDegradedReadOnly},
		{"connected read unreachable", nil, false, unreachable(), types.StateDegradedReadOnly},
		{"connected query error", nil, false, errors.New("syntax error"), types.StateConnected},
		{"connected busy server", nil, true, types.ConnectionError("exec", "", types.ReasonBusy, errors.New("too many clients")), types.StateConnected},
		{"degraded read unreachable", unreachable(), false, unreachable(), types.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			g, m, _ := newRemote(t, tt.reach)
			_, _ = g.Connect(ctx)

			var err error
			if tt.write {
				m.On("Exec", string(insertItem)).Return(int64(0), tt.opErr).Once()
				_, err = g.Exec(ctx, itemsOp, insertItem, "a")
			} else {
				m.On("Select", string(selectItem)).Return(tt.opErr).Once()
				var ids []string
				err = g.Select(ctx, itemsOp, &ids, selectItem)
			}
			require.Error(t, err)
			assert.Equal(t, tt.want, g.State())
			m.AssertExpectations(t)
		})
	}
}

func TestConnectRemoteAuthFailureFails(t *testing.T) {
	ctx := context.Background()
	authErr := types.ConnectionError("connect", "db.example:5432", types.ReasonAuthFailure, errors.New("password authentication failed"))
	g, m, _ := newRemote(t, authErr)

	state, err := g.Connect(ctx)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Equal(t, types.StateFailed, state)

	var ids []string
	err = g.Select(ctx, itemsOp, &ids, selectItem)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, types.ReasonAuthFailure, types.ReasonOf(err))
	m.AssertNotCalled(t, "Select", string(selectItem))
}

func TestConnectRemoteCertTrustFails(t *testing.T) {
	certErr := types.ConnectionError("connect", "db.example:5432", types.ReasonCertTrust, errors.New("x509: unknown authority"))
	g, _, _ := newRemote(t, certErr)
	state, _ := g.Connect(context.Background())
	assert.Equal(t, types.StateFailed, state)
}

func TestCheckReachabilityRecovers(t *testing.T) {
	ctx := context.Background()
	g, m, _ := newRemote(t, unreachable())
	_, _ = g.Connect(ctx)

	m.On("TestReachability").Return(nil).Once()
	state, err := g.CheckReachability(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StateConnected, state)

	m.On("Exec", string(insertItem)).Return(int64(1), nil).Once()
	n, err := g.Exec(ctx, itemsOp, insertItem, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	m.AssertExpectations(t)
}

func TestCheckReachabilityCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, _, _ := newRemote(t, context.Canceled)
	state, err := g.CheckReachability(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StateDisconnected, state)
}

func TestDisconnectedRefusesEverything(t *testing.T) {
	m := &mockBackend{kind: types.BackendRemote}
	g := New(m, Options{Logger: discard()})
	_, err := g.Exec(context.Background(), itemsOp, insertItem)
	assert.ErrorIs(t, err, types.ErrConnection)
	var one int
	assert.ErrorIs(t, g.Get(context.Background(), itemsOp, &one, selectItem), types.ErrConnection)
}

func TestRecordsAreRedactedAndCounted(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := &mockBackend{kind: types.BackendRemote}
	m.On("TestReachability").Return(nil)
	var records []Record
	g := New(m, Options{
		Logger:   discard(),
		Metrics:  NewMetrics(reg),
		Observer: func(r Record) { records = append(records, r) },
	})
	_, err := g.Connect(ctx)
	require.NoError(t, err)

	m.On("Select", string(selectItem)).Return(errors.New("server closed: password=hunter2")).Once()
	var ids []string
	err = g.Select(ctx, itemsOp, &ids, selectItem)
	require.Error(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, slog.LevelInfo, records[0].Level, "successful operations are audited at info")
	assert.Equal(t, OutcomeOK, records[0].Outcome)
	rec := records[1]
	assert.Equal(t, "list items", rec.Operation)
	assert.Equal(t, "items", rec.Target)
	assert.Equal(t, types.BackendRemote, rec.Backend)
	assert.Equal(t, slog.LevelError, rec.Level)
	assert.Equal(t, "error", rec.Outcome)
	assert.NotEmpty(t, rec.ID)
	assert.NotContains(t, rec.Message, "hunter2")
	assert.Contains(t, rec.Message, "password=***")

	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != "cpd_gateway_operations_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(2), total)
}

func openLocal(t *testing.T) *Gateway {
	t.Helper()
	ctx := context.Background()
	l, err := backend.OpenLocal(ctx, filepath.Join(t.TempDir(), "p.cpd"), backend.LocalOptions{Logger: discard()})
	require.NoError(t, err)
	g := New(l, Options{Logger: discard()})
	t.Cleanup(func() { g.Close() })
	state, err := g.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, types.StateConnected, state)
	_, err = g.Exec(ctx, Op{Name: "create items"}, "CREATE TABLE items (id TEXT PRIMARY KEY)")
	require.NoError(t, err)
	return g
}

func TestWithTxCommitsOrRollsBack(t *testing.T) {
	ctx := context.Background()
	g := openLocal(t)

	err := g.WithTx(ctx, itemsOp, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, insertItem, "a"); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertItem, "a")
		return err
	})
	assert.ErrorIs(t, err, types.ErrConflict)

	var ids []string
	require.NoError(t, g.Select(ctx, itemsOp, &ids, selectItem))
	assert.Empty(t, ids, "a failed transaction leaves nothing behind")

	err = g.WithTx(ctx, itemsOp, func(tx *Tx) error {
		for _, id := range []string{"a", "b"} {
			if _, err := tx.Exec(ctx, insertItem, id); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, g.Select(ctx, itemsOp, &ids, selectItem))
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	g := openLocal(t)

	assert.Panics(t, func() {
		_ = g.WithTx(ctx, itemsOp, func(tx *Tx) error {
			tx.Exec(ctx, insertItem, "a")
			panic("boom")
		})
	})
	var n int
	require.NoError(t, g.Get(ctx, itemsOp, &n, "SELECT COUNT(*) FROM items"))
	assert.Equal(t, 0, n)
}

func TestLocalGetNotFound(t *testing.T) {
	ctx := context.Background()
	g := openLocal(t)
	var id string
	err := g.Get(ctx, itemsOp, &id, "SELECT id FROM items WHERE id = ?", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, types.StateConnected, g.State())
	assert.Equal(t, types.BackendLocal, g.Backend())
}
