package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cpd/internal/gateway"
	"github.com/mesh-intelligence/cpd/internal/migrate"
	"github.com/mesh-intelligence/cpd/internal/project"
	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create, open and inspect projects",
	}
	cmd.AddCommand(
		newProjectCreateCmd(a),
		newProjectOpenCmd(a),
		newProjectStatusCmd(a),
		newProjectVerifyCmd(a),
		newProjectRecoverCmd(a),
		newProjectTestConnectionCmd(a),
	)
	return cmd
}

// projectReport is what open, create and status print.
type projectReport struct {
	Path          string                  `json:"path"`
	Name          string                  `json:"name"`
	Backend       types.BackendKind       `json:"backend"`
	Remote        string                  `json:"remote,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	SchemaVersion types.SchemaVersion     `json:"schema_version"`
	State         types.ProjectState      `json:"state"`
	Connection    gateway.Status          `json:"connection"`
	Migrations    []types.MigrationRecord `json:"migrations,omitempty"`
	Verification  *project.Verification   `json:"verification,omitempty"`
}

func report(p *project.Project) projectReport {
	d := p.Descriptor()
	r := projectReport{
		Path:          d.Path,
		Name:          d.Name,
		Backend:       d.Backend,
		CreatedAt:     d.CreatedAt,
		SchemaVersion: p.SchemaVersion(),
		State:         p.State(),
		Connection:    p.Gateway().Status(),
	}
	if d.Profile != nil {
		r.Remote = d.Profile.Identity()
	}
	return r
}

func (a *app) printReport(w io.Writer, r projectReport) error {
	if a.flags.jsonMode {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "project:  %s\n", r.Name)
	fmt.Fprintf(w, "path:     %s\n", r.Path)
	fmt.Fprintf(w, "backend:  %s\n", r.Backend)
	if r.Remote != "" {
		fmt.Fprintf(w, "remote:   %s (%s)\n", r.Remote, r.Connection.State)
	}
	fmt.Fprintf(w, "schema:   %s\n", r.SchemaVersion)
	fmt.Fprintf(w, "state:    %s\n", r.State)
	if r.State.Hint != "" {
		fmt.Fprintf(w, "hint:     %s\n", r.State.Hint)
	}
	for _, m := range r.Migrations {
		fmt.Fprintf(w, "applied:  %s  %s  %s\n", m.MigrationID, m.Backend, m.AppliedAt.Format(time.RFC3339))
	}
	if v := r.Verification; v != nil {
		fmt.Fprintf(w, "local schema:  %s\n", v.Local.Summary())
		if v.Remote != nil {
			fmt.Fprintf(w, "remote schema: %s\n", v.Remote.Summary())
		}
	}
	return nil
}

func newProjectCreateCmd(a *app) *cobra.Command {
	var (
		name    string
		backend string
		pf      profileFlags
	)
	cmd := &cobra.Command{
		Use:   "create <path|name>",
		Short: "Create a new project",
		Long: `Create writes a new project file. With --backend remote the server must be
reachable and is provisioned before anything is written locally; if any
step fails, nothing is left behind.

Example:
  cpd project create plant --name "Plant A"
  cpd project create ./plant.cpd --backend remote --host db.example.com --database cpd --user planner`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.projectPath(args[0])
			if err != nil {
				return err
			}
			kind, err := types.ParseBackendKind(backend)
			if err != nil {
				return err
			}
			if name == "" {
				name = args[0]
			}
			d := types.ProjectDescriptor{Path: path, Name: name, Backend: kind}
			if kind == types.BackendRemote {
				prof, err := pf.profile()
				if err != nil {
					return err
				}
				d.Profile = &prof
			}
			p, err := a.coord.Create(cmd.Context(), d, project.CreateOptions{
				Credentials: a.cfg.Credentials(),
				Prompter:    a.terminal(cmd),
			})
			if err != nil {
				return err
			}
			defer p.Close()
			if _, err := a.recent.Touch(path); err != nil {
				a.log.Warn("recent.save", "path", a.recent.Path(), "err", err)
			}
			return a.printReport(cmd.OutOrStdout(), report(p))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default: the argument)")
	cmd.Flags().StringVar(&backend, "backend", string(types.BackendLocal), "where domain data lives: local or remote")
	pf.register(cmd.Flags())
	return cmd
}

func newProjectOpenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open <path|name>",
		Short: "Open a project, migrating it if it is outdated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.openProject(cmd, args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			return a.printReport(cmd.OutOrStdout(), report(p))
		},
	}
}

func newProjectStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <path|name>",
		Short: "Show a project's state, connection and migration history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.openProject(cmd, args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			r := report(p)
			if r.Migrations, err = p.History(cmd.Context()); err != nil {
				return err
			}
			return a.printReport(cmd.OutOrStdout(), r)
		},
	}
}

func newProjectVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <path|name>",
		Short: "Compare the project's stores with the expected schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.openProject(cmd, args[0])
			if err != nil {
				return err
			}
			defer p.Close()
			v, err := p.Verify(cmd.Context())
			if err != nil {
				return err
			}
			r := report(p)
			r.Verification = v
			if err := a.printReport(cmd.OutOrStdout(), r); err != nil {
				return err
			}
			if !v.OK() {
				return types.NewError(types.KindIncompatibleSchema, "verify", p.Descriptor().Path, fmt.Errorf("schema deviates"))
			}
			return nil
		},
	}
}

func newProjectRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <path|name> <resume|restore|cancel>",
		Short: "Resolve an interrupted migration",
		Long: `Recover answers a migration that was interrupted before it finished.

  resume   run the migration again
  restore  put back the backup taken before the migration
  cancel   leave the project as it is; it stays refused until resolved`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.projectPath(args[0])
			if err != nil {
				return err
			}
			choice, err := migrate.ParseChoice(args[1])
			if err != nil {
				return err
			}
			out, err := a.coord.Resolve(cmd.Context(), path, choice)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if out.Phase == migrate.PhaseIdle {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no interrupted migration\n", path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (schema %s)\n", path, out.Phase, out.To)
			return nil
		},
	}
}

func newProjectTestConnectionCmd(a *app) *cobra.Command {
	var pf profileFlags
	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Check that a remote server is reachable and compare its schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := pf.profile()
			if err != nil {
				return err
			}
			rep, err := a.coord.TestConnection(cmd.Context(), prof, a.cfg.Credentials(), a.terminal(cmd))
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return writeJSON(cmd.OutOrStdout(), struct {
					Remote string        `json:"remote"`
					Schema schema.Report `json:"schema"`
				}{prof.Identity(), *rep})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s\n%s\n", prof.Identity(), rep.Summary())
			return nil
		},
	}
	pf.register(cmd.Flags())
	return cmd
}
