package project

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/cpd/internal/backend"
	"github.com/mesh-intelligence/cpd/internal/migrate"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Create writes a new project described by d and opens it. A remote
// project's server must be reachable before anything is written locally.
// If any step fails, every file and directory the call created is removed
// before the error is returned.
func (c *Coordinator) Create(ctx context.Context, d types.ProjectDescriptor, opts CreateOptions) (*Project, error) {
	if err := d.Validate(); err != nil {
		return nil, c.refuse("create", d.Path, err)
	}
	path, err := filepath.Abs(d.Path)
	if err != nil {
		return nil, c.refuse("create", d.Path, types.NewError(types.KindValidation, "create", d.Path, err))
	}
	d.Path = path
	if d.CreatedAt.IsZero() {
		d.CreatedAt = c.now().UTC()
	}
	c.log.Info("project.create.start", "path", path, "backend", string(d.Backend))

	release, err := c.locks.acquire(ctx, path, c.policy)
	if err != nil {
		return nil, c.refuse("create", path, err)
	}
	defer release()

	p, err := c.create(ctx, d, opts)
	if err != nil {
		return nil, c.refuse("create", path, err)
	}
	c.log.Info("project.create.done", "path", path, "backend", string(d.Backend), "version", p.version.String())
	return p, nil
}

func (c *Coordinator) create(ctx context.Context, d types.ProjectDescriptor, opts CreateOptions) (p *Project, err error) {
	if _, serr := os.Lstat(d.Path); serr == nil {
		return nil, types.NewError(types.KindConflict, "create", d.Path, errors.New("a file already exists at this path")).
			WithHint("choose another path or open the existing project")
	}

	var remote RemoteBackend
	if d.Backend == types.BackendRemote {
		remote, err = c.connectRemote(ctx, *d.Profile, opts.Credentials, opts.Prompter)
		if err != nil {
			return nil, err
		}
		if err := remote.TestReachability(ctx); err != nil {
			remote.Close()
			return nil, err
		}
		rdb, dialect := remote.Schema()
		if _, err := c.runner.Provision(ctx, rdb, dialect); err != nil {
			remote.Close()
			return nil, err
		}
	}

	art := &artifacts{path: d.Path}
	defer func() {
		if err == nil {
			return
		}
		if remote != nil {
			remote.Close()
		}
		art.remove(c.log)
	}()

	if art.dirs, err = mkdirs(filepath.Dir(d.Path)); err != nil {
		return nil, types.NewError(types.KindNotFound, "create", d.Path, err)
	}
	art.local, err = backend.OpenLocal(ctx, d.Path, backend.LocalOptions{BusyTimeout: c.busy, Logger: c.log})
	if err != nil {
		return nil, storeError(d.Path, err)
	}
	db, err := art.local.DB()
	if err != nil {
		return nil, err
	}
	if _, err = c.runner.Initialize(ctx, migrate.LocalStore(db, d.Path, d.Backend)); err != nil {
		return nil, err
	}
	if err = saveDescriptor(ctx, art.local, d); err != nil {
		if types.KindOf(err) == "" {
			err = types.NewError(types.KindMigration, "save project settings", d.Path, err)
		}
		return nil, err
	}

	p = &Project{desc: d, version: c.runner.Target(), local: art.local, runner: c.runner}
	var b backend.Backend = art.local
	if remote != nil {
		b = remote
		p.remote = remote
	}
	p.gw = c.gateway(b)
	state, cerr := p.gw.Connect(ctx)
	if state != types.StateConnected {
		err = cerr
		if err == nil {
			err = types.ConnectionError("create", d.Path, types.ReasonUnreachable, errors.New(state.String()))
		}
		return nil, err
	}
	return p, nil
}

// artifacts tracks what a create wrote so a failure can undo it.
type artifacts struct {
	path  string
	dirs  []string // created directories, deepest first
	local *backend.Local
}

func (a *artifacts) remove(log *slog.Logger) {
	if a.local != nil {
		a.local.Close()
	}
	for _, f := range []string{a.path, a.path + "-wal", a.path + "-shm", a.path + "-journal", migrate.MarkerPath(a.path)} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("project.create.cleanup", "path", f, "err", err)
		}
	}
	for _, dir := range a.dirs {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("project.create.cleanup", "path", dir, "err", err)
		}
	}
}

// mkdirs creates dir and any missing parents, returning the directories it
// created, deepest first.
func mkdirs(dir string) ([]string, error) {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return missing, nil
}
