package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cpd/internal/dictionary"
	"github.com/mesh-intelligence/cpd/internal/project"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// propFlags are shared by the prop subcommands.
type propFlags struct {
	project string
}

func newPropCmd(a *app) *cobra.Command {
	var pf propFlags
	cmd := &cobra.Command{
		Use:   "prop",
		Short: "Edit the project's property dictionary",
	}
	cmd.PersistentFlags().StringVarP(&pf.project, "project", "p", "", "project path or name (required)")
	_ = cmd.MarkPersistentFlagRequired("project")

	cmd.AddCommand(
		newPropListCmd(a, &pf),
		newPropGetCmd(a, &pf),
		newPropAddCmd(a, &pf),
		newPropUpdateCmd(a, &pf),
		newPropDeleteCmd(a, &pf),
		newPropExportCmd(a, &pf),
	)
	return cmd
}

// withDictionary opens the project, runs fn against its dictionary and
// closes the project.
func (a *app) withDictionary(cmd *cobra.Command, pf *propFlags, fn func(d *dictionary.Dictionary, p *project.Project) error) error {
	p, err := a.openProject(cmd, pf.project)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(dictionary.New(p.Gateway()), p)
}

func (a *app) printProps(w io.Writer, defs []types.PropertyDefinition) error {
	if a.flags.jsonMode {
		if defs == nil {
			defs = []types.PropertyDefinition{}
		}
		return writeJSON(w, defs)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tUNIT\tDEPRECATED\tCREATED")
	for _, p := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", p.ID, p.Name, p.DataType, p.Unit, p.Deprecated, p.CreatedAt.Format(time.DateOnly))
	}
	return tw.Flush()
}

func newPropListCmd(a *app, pf *propFlags) *cobra.Command {
	var f dictionary.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List property definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDictionary(cmd, pf, func(d *dictionary.Dictionary, _ *project.Project) error {
				defs, err := d.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				return a.printProps(cmd.OutOrStdout(), defs)
			})
		},
	}
	cmd.Flags().BoolVar(&f.IncludeDeprecated, "all", false, "include deprecated definitions")
	cmd.Flags().StringVar(&f.Prefix, "prefix", "", "only names starting with this prefix")
	return cmd
}

func newPropGetCmd(a *app, pf *propFlags) *cobra.Command {
	var byName bool
	cmd := &cobra.Command{
		Use:   "get <id|name>",
		Short: "Show one property definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDictionary(cmd, pf, func(d *dictionary.Dictionary, _ *project.Project) error {
				var (
					p   *types.PropertyDefinition
					err error
				)
				if byName {
					p, err = d.Lookup(cmd.Context(), args[0])
				} else {
					p, err = d.Get(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return a.printProps(cmd.OutOrStdout(), []types.PropertyDefinition{*p})
			})
		},
	}
	cmd.Flags().BoolVar(&byName, "name", false, "look the definition up by name")
	return cmd
}

// propFieldFlags are the editable fields of a definition.
type propFieldFlags struct {
	dataType    string
	unit        string
	description string
	deprecated  bool
}

func (f *propFieldFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dataType, "type", "", "data type: text, integer, decimal, boolean, date or datetime")
	cmd.Flags().StringVar(&f.unit, "unit", "", "unit of measure")
	cmd.Flags().StringVar(&f.description, "description", "", "description")
	cmd.Flags().BoolVar(&f.deprecated, "deprecated", false, "mark the definition deprecated")
}

func parseType(s string) (types.DataType, error) {
	dt, err := types.ParseDataType(s)
	if err != nil {
		return "", types.NewError(types.KindValidation, "parse data type", s, err).
			WithHint("use one of: text, integer, decimal, boolean, date, datetime")
	}
	return dt, nil
}

func newPropAddCmd(a *app, pf *propFlags) *cobra.Command {
	var f propFieldFlags
	cmd := &cobra.Command{
		Use:     "add <name>",
		Short:   "Add a property definition",
		Example: `  cpd prop add "Flow rate" --project plant --type decimal --unit m3/h`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := parseType(f.dataType)
			if err != nil {
				return err
			}
			p := &types.PropertyDefinition{Name: args[0], DataType: dt, Unit: f.unit, Description: f.description, Deprecated: f.deprecated}
			return a.withDictionary(cmd, pf, func(d *dictionary.Dictionary, _ *project.Project) error {
				if err := d.Add(cmd.Context(), p); err != nil {
					return err
				}
				return a.printProps(cmd.OutOrStdout(), []types.PropertyDefinition{*p})
			})
		},
	}
	f.register(cmd)
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newPropUpdateCmd(a *app, pf *propFlags) *cobra.Command {
	var (
		f    propFieldFlags
		name string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a property definition",
		Long:  "Update changes only the fields given as flags.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !anyChanged(cmd, "name", "type", "unit", "description", "deprecated") {
				return inputError("nothing to update", "pass at least one of --name, --type, --unit, --description or --deprecated")
			}
			return a.withDictionary(cmd, pf, func(d *dictionary.Dictionary, _ *project.Project) error {
				p, err := d.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fl := cmd.Flags()
				if fl.Changed("name") {
					p.Name = name
				}
				if fl.Changed("type") {
					if p.DataType, err = parseType(f.dataType); err != nil {
						return err
					}
				}
				if fl.Changed("unit") {
					p.Unit = f.unit
				}
				if fl.Changed("description") {
					p.Description = f.description
				}
				if fl.Changed("deprecated") {
					p.Deprecated = f.deprecated
				}
				if err := d.Update(cmd.Context(), p); err != nil {
					return err
				}
				return a.printProps(cmd.OutOrStdout(), []types.PropertyDefinition{*p})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	f.register(cmd)
	return cmd
}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, n := range names {
		if cmd.Flags().Changed(n) {
			return true
		}
	}
	return false
}

func newPropDeleteCmd(a *app, pf *propFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a property definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDictionary(cmd, pf, func(d *dictionary.Dictionary, _ *project.Project) error {
				if err := d.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				if a.flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newPropExportCmd(a *app, pf *propFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.xlsx>",
		Short: "Export the dictionary as an Excel workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDictionary(cmd, pf, func(d *dictionary.Dictionary, _ *project.Project) error {
				if err := d.ExportFile(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported to %s\n", args[0])
				return nil
			})
		},
	}
}
