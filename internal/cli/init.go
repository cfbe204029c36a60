package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cpd/internal/paths"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration directory and default config.yaml",
		Long: `Init creates the configuration directory with a default config.yaml
if they do not exist, and reports where cpd keeps its files. Running it
again changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := paths.ResolveProjectsDir(a.flags.projectsDir, a.cfg.Projects.Dir)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"config_dir":   a.cfg.Dir,
					"projects_dir": projects,
					"recent":       a.recent.Path(),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "cpd initialized")
			fmt.Fprintf(out, "config:   %s\n", a.cfg.Dir)
			fmt.Fprintf(out, "projects: %s\n", projects)
			return nil
		},
	}
}
