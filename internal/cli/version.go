package cli

import (
	"fmt"

	"github.com/maloquacious/semver"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cpd/internal/schema"
)

const modulePath = "github.com/mesh-intelligence/cpd"

// Version is the application version.
var Version = semver.Version{Minor: 4, Build: semver.Commit()}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cpd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonMode, _ := cmd.Flags().GetBool("json")
			if jsonMode {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"version": Version.String(),
					"schema":  schema.Supported.String(),
					"module":  modulePath,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cpd v%s\nschema: %s\nmodule: %s\n", Version.String(), schema.Supported, modulePath)
			return nil
		},
	}
}
