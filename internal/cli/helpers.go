package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mesh-intelligence/cpd/internal/auth"
	"github.com/mesh-intelligence/cpd/internal/migrate"
	"github.com/mesh-intelligence/cpd/internal/paths"
	"github.com/mesh-intelligence/cpd/internal/project"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// profileFlags binds the connection profile flags shared by project create
// and project test-connection.
type profileFlags struct {
	host      string
	port      int
	database  string
	authMode  string
	username  string
	trustCert bool
}

func (f *profileFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.host, "host", "", "remote server host name")
	fs.IntVar(&f.port, "port", types.DefaultRemotePort, "remote server port")
	fs.StringVar(&f.database, "database", "", "remote database name")
	fs.StringVar(&f.authMode, "auth", string(types.AuthPassword), "authentication: password or interactive")
	fs.StringVar(&f.username, "user", "", "remote user name")
	fs.BoolVar(&f.trustCert, "trust-server-cert", false, "accept the server certificate without verification")
}

func (f *profileFlags) profile() (types.ConnectionProfile, error) {
	p := types.ConnectionProfile{
		Host:                   strings.TrimSpace(f.host),
		Port:                   f.port,
		Database:               strings.TrimSpace(f.database),
		AuthMode:               types.AuthMode(strings.ToLower(f.authMode)),
		Username:               strings.TrimSpace(f.username),
		TrustServerCertificate: f.trustCert,
	}
	return p, p.Validate()
}

// projectPath resolves a project argument against the projects directory.
func (a *app) projectPath(arg string) (string, error) {
	dir, err := paths.ResolveProjectsDir(a.flags.projectsDir, a.cfg.Projects.Dir)
	if err != nil {
		return "", err
	}
	return paths.ProjectPath(arg, dir)
}

// openProject opens the project named by arg with the terminal as
// acknowledger and prompter, and records it in the recent list.
func (a *app) openProject(cmd *cobra.Command, arg string) (*project.Project, error) {
	path, err := a.projectPath(arg)
	if err != nil {
		return nil, err
	}
	term := a.terminal(cmd)
	p, err := a.coord.Open(cmd.Context(), path, project.OpenOptions{
		Ack:         term,
		Credentials: a.cfg.Credentials(),
		Prompter:    term,
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.recent.Touch(path); err != nil {
		a.log.Warn("recent.save", "path", a.recent.Path(), "err", err)
	}
	if st := p.State(); st.Status == types.StatusReadOnly {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is read-only: %s\n", path, st.Hint)
	}
	return p, nil
}

// terminal answers backup acknowledgments and sign-in prompts on the
// command's streams.
type terminal struct {
	in  *bufio.Reader
	out io.Writer
	yes bool
	now func() time.Time
}

func (a *app) terminal(cmd *cobra.Command) *terminal {
	return &terminal{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr(), yes: a.flags.yes, now: time.Now}
}

var _ project.Acknowledger = (*terminal)(nil)
var _ auth.Prompter = (*terminal)(nil)

// AcknowledgeBackup asks before a migration. --yes answers for the user.
func (t *terminal) AcknowledgeBackup(_ context.Context, d migrate.Decision) (bool, error) {
	fmt.Fprintf(t.out, "The project schema is %s; this version uses %s.\n", d.Current, d.Target)
	fmt.Fprintln(t.out, "A backup is taken before the project is migrated.")
	if t.yes {
		fmt.Fprintln(t.out, "Continue? [y/N] y")
		return true, nil
	}
	fmt.Fprint(t.out, "Continue? [y/N] ")
	line, err := t.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// SignIn reads an access token for an interactive profile.
func (t *terminal) SignIn(_ context.Context, p types.ConnectionProfile) (auth.Session, error) {
	fmt.Fprintf(t.out, "Sign in to %s as %s.\nAccess token: ", p.Identity(), p.Username)
	line, err := t.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return auth.Session{}, err
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return auth.Session{}, types.NewError(types.KindConnection, "sign in", p.Identity(), types.ErrSignInRequired)
	}
	return auth.Session{Token: token, ExpiresAt: t.now().Add(auth.DefaultLifetime)}, nil
}
