// Package cli implements the cpd command-line interface.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cpd/internal/config"
	"github.com/mesh-intelligence/cpd/internal/gateway"
	"github.com/mesh-intelligence/cpd/internal/logging"
	"github.com/mesh-intelligence/cpd/internal/migrate"
	"github.com/mesh-intelligence/cpd/internal/paths"
	"github.com/mesh-intelligence/cpd/internal/project"
	"github.com/mesh-intelligence/cpd/internal/recent"
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir   string
	projectsDir string
	logLevel    string
	lockPolicy  string
	jsonMode    bool
	noColor     bool
	yes         bool
}

// app is the state shared by every command of one invocation.
type app struct {
	flags rootFlags

	cfg      *config.Config
	log      *slog.Logger
	panel    *logging.Panel
	registry *prometheus.Registry
	metrics  *gateway.Metrics
	coord    *project.Coordinator
	recent   *recent.List
}

// NewRootCmd creates the top-level "cpd" command with global flags and all
// subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "cpd",
		Short: "Open, create and migrate CPD projects",
		Long: `cpd opens and creates CPD projects. A project keeps its settings in a
local SQLite file and its property dictionary either in the same file or on
a remote PostgreSQL server. Outdated projects are migrated once, after a
backup; unreachable remote servers leave the project readable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir or $CPD_CONFIG_DIR)")
	pf.StringVar(&a.flags.projectsDir, "projects-dir", "", "directory for projects given by bare name")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides log.level)")
	pf.StringVar(&a.flags.lockPolicy, "lock", "", "when the project is busy: wait or reject (overrides lock.policy)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	pf.BoolVar(&a.flags.noColor, "no-color", false, "disable colored error output")
	pf.BoolVarP(&a.flags.yes, "yes", "y", false, "acknowledge pre-migration backups without asking")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newProjectCmd(a))
	root.AddCommand(newPropCmd(a))
	root.AddCommand(newRecentCmd(a))
	root.AddCommand(newServeCmd(a))
	return root
}

// setup loads configuration and builds the logger and coordinator.
func (a *app) setup(cmd *cobra.Command) error {
	dir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if a.flags.logLevel != "" {
		cfg.Log.Level = a.flags.logLevel
	}
	if a.flags.lockPolicy != "" {
		cfg.Lock.Policy = a.flags.lockPolicy
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.panel = logging.NewPanel(logging.DefaultPanelSize)
	a.log, err = logging.Setup(cmd.ErrOrStderr(), cfg.Log, a.panel)
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = gateway.NewMetrics(a.registry)

	runnerOpts := []migrate.Option{migrate.WithLogger(a.log)}
	if cfg.Backup.Dir != "" {
		runnerOpts = append(runnerOpts, migrate.WithBackupDir(cfg.Backup.Dir))
	}
	a.coord = project.New(
		project.WithLogger(a.log),
		project.WithMetrics(a.metrics),
		project.WithRunner(migrate.New(runnerOpts...)),
		project.WithRemoteConfig(cfg.RemoteConfig()),
		project.WithLockPolicy(cfg.LockPolicy()),
	)
	a.recent = recent.New(cfg.RecentPath(), recent.WithLimit(cfg.Recent.Limit))
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return Run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

// Run executes the CLI with explicit arguments and streams.
func Run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	jsonMode, _ := root.PersistentFlags().GetBool("json")
	noColor, _ := root.PersistentFlags().GetBool("no-color")
	return render(errOut, err, jsonMode, noColor)
}
