package project

import (
	"context"
	"errors"
	"sync"

	"github.com/mesh-intelligence/cpd/internal/backend"
	"github.com/mesh-intelligence/cpd/internal/gateway"
	"github.com/mesh-intelligence/cpd/internal/ledger"
	"github.com/mesh-intelligence/cpd/internal/migrate"
	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Project is an open project. Callers see its state, its descriptor and
// its gateway; the ledger and migration machinery stay behind the
// coordinator.
type Project struct {
	desc    types.ProjectDescriptor
	version types.SchemaVersion
	local   *backend.Local
	remote  RemoteBackend
	gw      *gateway.Gateway
	runner  *migrate.Runner

	closeOnce sync.Once
	closeErr  error
}

// Descriptor returns the project's descriptor.
func (p *Project) Descriptor() types.ProjectDescriptor { return p.desc }

// SchemaVersion returns the version the local store was opened at.
func (p *Project) SchemaVersion() types.SchemaVersion { return p.version }

// Gateway returns the project's only query path.
func (p *Project) Gateway() *gateway.Gateway { return p.gw }

// State reports the project state derived from the live connection state.
// A remote project whose server cannot be used stays open read-only and
// carries the connection reason and hint.
func (p *Project) State() types.ProjectState {
	s := p.gw.State()
	switch {
	case s == types.StateConnected:
		return types.ProjectState{Status: types.StatusReady}
	case s == types.StateDegradedReadOnly:
		last := p.gw.Err()
		return types.ProjectState{
			Status: types.StatusReadOnly,
			Reason: types.ReasonOf(last),
			Hint:   types.HintOf(types.NewError(types.KindReadOnlyMode, "", "", nil)),
			Err:    last,
		}
	case s == types.StateFailed && p.remote != nil:
		last := p.gw.Err()
		return types.ProjectState{
			Status: types.StatusReadOnly,
			Reason: types.ReasonOf(last),
			Hint:   types.HintOf(last),
			Err:    last,
		}
	}
	err := p.gw.Err()
	switch {
	case err == nil:
		err = types.ConnectionError("open", p.desc.Path, types.ReasonUnreachable, errors.New(s.String()))
	case types.KindOf(err) == "":
		err = types.ConnectionError("open", p.desc.Path, types.ReasonUnreachable, err)
	}
	return types.RefusedState(err)
}

// Reconnect re-tests the backend. A remote project that comes back from
// read-only has its server provisioned to the project's schema; if that
// fails the gateway is left failed.
func (p *Project) Reconnect(ctx context.Context) (types.ProjectState, error) {
	prev := p.gw.State()
	state, err := p.gw.CheckReachability(ctx)
	if err != nil {
		return p.State(), err
	}
	if p.remote != nil && prev != types.StateConnected && state == types.StateConnected {
		rdb, dialect := p.remote.Schema()
		if _, err := p.runner.Provision(ctx, rdb, dialect); err != nil {
			p.gw.Fail(err)
			return p.State(), err
		}
	}
	return p.State(), nil
}

// Close releases the backend connection and the settings store. Close is
// idempotent.
func (p *Project) Close() error {
	p.closeOnce.Do(func() {
		err := p.gw.Close()
		if p.desc.Backend == types.BackendRemote {
			err = errors.Join(err, p.local.Close())
		}
		p.closeErr = err
	})
	return p.closeErr
}

// Verification compares the live stores with the schema this build expects.
type Verification struct {
	Local  schema.Report  `json:"local"`
	Remote *schema.Report `json:"remote,omitempty"`
}

// OK reports whether every checked store holds the expected schema.
func (v Verification) OK() bool {
	return v.Local.OK() && (v.Remote == nil || v.Remote.OK())
}

// Verify checks the local store and, for a remote project, the server.
// It writes nothing.
func (p *Project) Verify(ctx context.Context) (*Verification, error) {
	db, err := p.local.DB()
	if err != nil {
		return nil, err
	}
	mask := migrate.LocalStore(db, p.desc.Path, p.desc.Backend).Mask
	local, err := schema.Validate(ctx, db, schema.SQLite, schema.Tables(p.version, mask))
	if err != nil {
		return nil, backend.Wrap("verify schema", p.desc.Path, err)
	}
	v := &Verification{Local: local}
	if p.remote == nil {
		return v, nil
	}
	if !p.gw.State().CanWrite() {
		return v, types.NewError(types.KindReadOnlyMode, "verify schema", p.desc.Profile.Identity(), nil).
			WithHint("reconnect to the remote server to verify its schema")
	}
	rdb, dialect := p.remote.Schema()
	remote, err := schema.Validate(ctx, rdb, dialect, schema.Tables(p.version, schema.ScopeDomain))
	if err != nil {
		return v, backend.Wrap("verify schema", p.desc.Profile.Identity(), err)
	}
	v.Remote = &remote
	return v, nil
}

// History returns the migrations recorded in the local store, oldest first.
func (p *Project) History(ctx context.Context) ([]types.MigrationRecord, error) {
	db, err := p.local.DB()
	if err != nil {
		return nil, err
	}
	return ledger.History(ctx, db)
}
