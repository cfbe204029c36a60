// Package project opens and creates CPD projects. The Coordinator runs the
// open and create sequences: it validates the target, reads the schema
// ledger, migrates the local store after the caller acknowledges a backup,
// connects the project's backend and hands back a Project whose gateway is
// the only way to reach the data.
package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mesh-intelligence/cpd/internal/auth"
	"github.com/mesh-intelligence/cpd/internal/backend"
	"github.com/mesh-intelligence/cpd/internal/gateway"
	"github.com/mesh-intelligence/cpd/internal/ledger"
	"github.com/mesh-intelligence/cpd/internal/migrate"
	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// RemoteBackend is the remote surface the coordinator drives: the shared
// backend capabilities plus access for schema provisioning.
type RemoteBackend interface {
	backend.Backend
	Schema() (*sqlx.DB, schema.Dialect)
}

// RemoteFactory builds a remote backend for a profile.
type RemoteFactory func(backend.RemoteOptions) (RemoteBackend, error)

func openRemote(opts backend.RemoteOptions) (RemoteBackend, error) {
	r, err := backend.OpenRemote(opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RemoteConfig carries the remote timeouts and retry policy.
type RemoteConfig struct {
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Retry            backend.RetryPolicy
}

// Acknowledger confirms that the user accepts a pre-migration backup. Open
// blocks on it before any migration runs.
type Acknowledger interface {
	AcknowledgeBackup(ctx context.Context, d migrate.Decision) (bool, error)
}

// AckFunc adapts a function to Acknowledger.
type AckFunc func(ctx context.Context, d migrate.Decision) (bool, error)

// AcknowledgeBackup calls f.
func (f AckFunc) AcknowledgeBackup(ctx context.Context, d migrate.Decision) (bool, error) {
	return f(ctx, d)
}

// AlwaysAcknowledge accepts every backup, for non-interactive callers that
// were told to proceed.
var AlwaysAcknowledge Acknowledger = AckFunc(func(context.Context, migrate.Decision) (bool, error) { return true, nil })

// OpenOptions are the per-call inputs to Open.
type OpenOptions struct {
	// Ack is asked before migrating. A nil Ack refuses every migration.
	Ack Acknowledger
	// Credentials are used for password profiles.
	Credentials types.Credentials
	// Prompter signs in interactive profiles when no session is cached.
	// Only callers that can present a prompt set it.
	Prompter auth.Prompter
}

// CreateOptions are the per-call inputs to Create.
type CreateOptions struct {
	Credentials types.Credentials
	Prompter    auth.Prompter
}

// Coordinator runs the open and create sequences. It is safe for
// concurrent use; opens and creates of the same path are serialized.
type Coordinator struct {
	runner    *migrate.Runner
	sessions  *auth.Cache
	log       *slog.Logger
	metrics   *gateway.Metrics
	observer  func(gateway.Record)
	remote    RemoteConfig
	busy      time.Duration
	policy    LockPolicy
	newRemote RemoteFactory
	locks     *locks
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRunner replaces the migration runner.
func WithRunner(r *migrate.Runner) Option { return func(c *Coordinator) { c.runner = r } }

// WithSessions shares a session cache between coordinators.
func WithSessions(s *auth.Cache) Option { return func(c *Coordinator) { c.sessions = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithMetrics feeds gateway records to Prometheus collectors.
func WithMetrics(m *gateway.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithObserver receives every gateway record of every opened project.
func WithObserver(fn func(gateway.Record)) Option { return func(c *Coordinator) { c.observer = fn } }

// WithRemoteConfig sets remote timeouts and retries.
func WithRemoteConfig(rc RemoteConfig) Option { return func(c *Coordinator) { c.remote = rc } }

// WithBusyTimeout sets the SQLite busy timeout of local stores.
func WithBusyTimeout(d time.Duration) Option { return func(c *Coordinator) { c.busy = d } }

// WithLockPolicy sets what a second open of a busy project does.
func WithLockPolicy(p LockPolicy) Option { return func(c *Coordinator) { c.policy = p } }

// WithRemoteFactory replaces how remote backends are built.
func WithRemoteFactory(f RemoteFactory) Option { return func(c *Coordinator) { c.newRemote = f } }

// WithClock sets the time source for creation timestamps.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// New returns a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy:    LockWait,
		newRemote: openRemote,
		locks:     newLocks(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.runner == nil {
		c.runner = migrate.New(migrate.WithLogger(c.log))
	}
	if c.sessions == nil {
		c.sessions = auth.NewCache(auth.WithLogger(c.log))
	}
	return c
}

// Sessions returns the coordinator's session cache.
func (c *Coordinator) Sessions() *auth.Cache { return c.sessions }

// Open runs the open sequence on the project file at path. On refusal the
// returned error carries the kind, target and remediation hint;
// types.RefusedState turns it into a ProjectState.
func (c *Coordinator) Open(ctx context.Context, path string, opts OpenOptions) (*Project, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, types.NewError(types.KindValidation, "open", path, err)
	}
	c.log.Info("project.open.start", "path", path)

	release, err := c.locks.acquire(ctx, path, c.policy)
	if err != nil {
		return nil, c.refuse("open", path, err)
	}
	defer release()

	p, err := c.open(ctx, path, opts)
	if err != nil {
		return nil, c.refuse("open", path, err)
	}
	c.log.Info("project.open.done", "path", path, "state", p.State().String(), "version", p.version.String())
	return p, nil
}

func (c *Coordinator) refuse(op, path string, err error) error {
	st := types.RefusedState(err)
	c.log.Warn("project."+op+".refused", "path", path, "refusal", string(st.Refusal), "hint", st.Hint, "err", err)
	return err
}

func (c *Coordinator) open(ctx context.Context, path string, opts OpenOptions) (*Project, error) {
	if err := checkTarget(path); err != nil {
		return nil, err
	}
	marker, err := migrate.ReadMarker(path)
	if err != nil {
		return nil, types.NewError(types.KindNotFound, "open", path, fmt.Errorf("%w: %w", types.ErrUnreadable, err))
	}
	if marker.State == migrate.MarkerPendingChoice {
		return nil, types.NewError(types.KindMigration, "open", path, types.ErrRecoveryPending)
	}

	var current types.SchemaVersion
	err = backend.InspectLocal(ctx, path, c.busy, func(db *sqlx.DB) error {
		var err error
		current, err = ledger.CurrentVersion(ctx, db)
		return err
	})
	if err != nil {
		return nil, storeError(path, err)
	}
	if current == types.BaselineVersion {
		return nil, types.NewError(types.KindIncompatibleSchema, "open", path,
			fmt.Errorf("%w: the file holds no project", types.ErrLedgerUnreadable))
	}
	decision := c.runner.Check(current)
	if err := decision.Err(); err != nil {
		return nil, err
	}

	local, err := backend.OpenLocal(ctx, path, backend.LocalOptions{BusyTimeout: c.busy, Logger: c.log})
	if err != nil {
		return nil, storeError(path, err)
	}
	keep := false
	defer func() {
		if !keep {
			local.Close()
		}
	}()
	db, err := local.DB()
	if err != nil {
		return nil, err
	}

	desc, err := loadDescriptor(ctx, local, path)
	if err != nil {
		return nil, err
	}

	version := current
	if decision.Phase == migrate.PhaseNeedsMigration {
		plan, err := c.runner.Plan(current, c.runner.Target())
		if err != nil {
			return nil, err
		}
		if err := c.acknowledge(ctx, path, opts.Ack, decision); err != nil {
			return nil, err
		}
		if _, err := c.runner.Apply(ctx, migrate.LocalStore(db, path, desc.Backend), plan); err != nil {
			return nil, err
		}
		version = c.runner.Target()
	}

	p := &Project{desc: desc, version: version, local: local, runner: c.runner}
	if desc.Backend == types.BackendLocal {
		p.gw = c.gateway(local)
		if _, err := p.gw.Connect(ctx); err != nil {
			return nil, err
		}
		keep = true
		return p, nil
	}

	remote, err := c.connectRemote(ctx, *desc.Profile, opts.Credentials, opts.Prompter)
	if err != nil {
		return nil, err
	}
	p.remote = remote
	p.gw = c.gateway(remote)
	state, err := p.gw.Connect(ctx)
	switch state {
	case types.StateConnected:
		rdb, dialect := remote.Schema()
		if _, err := c.runner.Provision(ctx, rdb, dialect); err != nil {
			p.gw.Close()
			return nil, err
		}
	case types.StateDegradedReadOnly, types.StateFailed:
		c.log.Warn("project.open.read_only", "path", path, "state", state.String(),
			"reason", string(types.ReasonOf(err)), "err", err)
	default:
		p.gw.Close()
		return nil, err
	}
	keep = true
	return p, nil
}

func (c *Coordinator) acknowledge(ctx context.Context, path string, ack Acknowledger, d migrate.Decision) error {
	if ack == nil {
		return types.NewError(types.KindMigration, "acknowledge backup", path, types.ErrNotAcknowledged)
	}
	ok, err := ack.AcknowledgeBackup(ctx, d)
	if err != nil {
		return types.NewError(types.KindMigration, "acknowledge backup", path, fmt.Errorf("%w: %w", types.ErrNotAcknowledged, err))
	}
	if !ok {
		return types.NewError(types.KindMigration, "acknowledge backup", path, types.ErrNotAcknowledged)
	}
	return nil
}

func (c *Coordinator) gateway(b backend.Backend) *gateway.Gateway {
	return gateway.New(b, gateway.Options{Logger: c.log, Metrics: c.metrics, Observer: c.observer})
}

// connectRemote builds the remote backend, signing in first when the
// profile is interactive and the caller can prompt.
func (c *Coordinator) connectRemote(ctx context.Context, p types.ConnectionProfile, creds types.Credentials, prompter auth.Prompter) (RemoteBackend, error) {
	if p.AuthMode == types.AuthInteractive && prompter != nil {
		if _, err := c.sessions.Session(p); err != nil {
			if _, err := c.sessions.SignIn(ctx, prompter, p); err != nil {
				return nil, err
			}
		}
	}
	return c.newRemote(backend.RemoteOptions{
		Profile:          p,
		Credentials:      creds,
		Sessions:         c.sessions,
		ConnectTimeout:   c.remote.ConnectTimeout,
		OperationTimeout: c.remote.OperationTimeout,
		Retry:            c.remote.Retry,
		Logger:           c.log,
	})
}

// checkTarget refuses paths that are missing, directories or unreadable.
func checkTarget(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return types.NewError(types.KindNotFound, "open", path, errors.New("no project file at this path"))
	}
	if err != nil {
		return types.NewError(types.KindNotFound, "open", path, fmt.Errorf("%w: %w", types.ErrUnreadable, err))
	}
	if info.IsDir() {
		return types.NewError(types.KindNotFound, "open", path, fmt.Errorf("%w: is a directory", types.ErrUnreadable))
	}
	f, err := os.Open(path)
	if err != nil {
		return types.NewError(types.KindNotFound, "open", path, fmt.Errorf("%w: %w", types.ErrUnreadable, err))
	}
	return f.Close()
}

// storeError turns a failure to read the local store into a refusal.
func storeError(path string, err error) error {
	if types.KindOf(err) != "" {
		return err
	}
	return types.NewError(types.KindIncompatibleSchema, "open", path, err)
}

// TestConnection checks that profile is reachable with creds and reports
// how the live schema compares with this build's. It writes nothing.
func (c *Coordinator) TestConnection(ctx context.Context, profile types.ConnectionProfile, creds types.Credentials, prompter auth.Prompter) (*schema.Report, error) {
	remote, err := c.connectRemote(ctx, profile, creds, prompter)
	if err != nil {
		return nil, err
	}
	defer remote.Close()
	if err := remote.TestReachability(ctx); err != nil {
		return nil, err
	}
	db, dialect := remote.Schema()
	report, err := schema.Validate(ctx, db, dialect, schema.Tables(c.runner.Target(), schema.ScopeDomain))
	if err != nil {
		return nil, backend.Wrap("validate schema", profile.Identity(), err)
	}
	return &report, nil
}

// Resolve answers a pending recovery for the project at path. Resume
// re-runs the interrupted migration; restore puts the pre-migration backup
// back; cancel leaves the project refused until a later choice.
func (c *Coordinator) Resolve(ctx context.Context, path string, choice migrate.Choice) (*migrate.Outcome, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, types.NewError(types.KindValidation, "recover", path, err)
	}
	release, err := c.locks.acquire(ctx, path, c.policy)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := checkTarget(path); err != nil {
		return nil, err
	}
	m, err := migrate.ReadMarker(path)
	if err != nil {
		return nil, err
	}
	if m.State == migrate.MarkerNone {
		return &migrate.Outcome{Phase: migrate.PhaseIdle}, nil
	}
	c.log.Info("project.recover", "path", path, "choice", string(choice))

	switch choice {
	case migrate.ChoiceRestore:
		if err := migrate.Restore(path); err != nil {
			return nil, err
		}
		return &migrate.Outcome{Phase: migrate.PhaseRolledBack, To: m.From}, nil
	case migrate.ChoiceResume:
		local, err := backend.OpenLocal(ctx, path, backend.LocalOptions{BusyTimeout: c.busy, Logger: c.log})
		if err != nil {
			return nil, storeError(path, err)
		}
		defer local.Close()
		desc, err := loadDescriptor(ctx, local, path)
		if err != nil {
			return nil, err
		}
		db, err := local.DB()
		if err != nil {
			return nil, err
		}
		return c.runner.Resume(ctx, migrate.LocalStore(db, path, desc.Backend))
	default:
		return nil, types.NewError(types.KindMigration, "recover", path, types.ErrRecoveryPending)
	}
}
