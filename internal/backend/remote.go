package backend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mesh-intelligence/cpd/internal/auth"
	"github.com/mesh-intelligence/cpd/internal/schema"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Remote timeouts.
const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultOperationTimeout = 30 * time.Second
)

// RemoteOptions configures OpenRemote.
type RemoteOptions struct {
	Profile types.ConnectionProfile
	// Credentials are used for AuthPassword profiles.
	Credentials types.Credentials
	// Sessions supplies tokens for AuthInteractive profiles.
	Sessions         *auth.Cache
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Retry            RetryPolicy
	Logger           *slog.Logger
}

func (o *RemoteOptions) defaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = DefaultRetryPolicy
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Remote is the PostgreSQL backend. A connection is taken from the pool
// for each operation and handed back as soon as it finishes; no idle
// connections are kept.
type Remote struct {
	opts   RemoteOptions
	target string
	db     *sqlx.DB
}

// OpenRemote prepares the backend. No connection is made until the first
// operation or TestReachability.
func OpenRemote(opts RemoteOptions) (*Remote, error) {
	opts.defaults()
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}
	r := &Remote{opts: opts, target: opts.Profile.Identity()}
	db := sqlx.NewDb(sql.OpenDB(connector{r: r}), "postgres")
	db.SetMaxIdleConns(0)
	db.SetConnMaxIdleTime(time.Second)
	r.db = db
	return r, nil
}

// connector resolves credentials per physical connection so interactive
// sessions are checked for expiry every time a connection is made.
type connector struct {
	r *Remote
}

func (c connector) Connect(ctx context.Context) (driver.Conn, error) {
	dsn, err := c.r.dsn()
	if err != nil {
		return nil, err
	}
	pc, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return pc.Connect(ctx)
}

func (connector) Driver() driver.Driver { return &pq.Driver{} }

func (r *Remote) password() (string, error) {
	switch r.opts.Profile.AuthMode {
	case types.AuthPassword:
		return r.opts.Credentials.Password, nil
	case types.AuthInteractive:
		if r.opts.Sessions == nil {
			return "", types.ConnectionError("connect", r.target, types.ReasonAuthFailure, types.ErrSignInRequired)
		}
		s, err := r.opts.Sessions.Session(r.opts.Profile)
		if err != nil {
			return "", err
		}
		return s.Token, nil
	default:
		return "", nil
	}
}

// dsn builds a key/value connection string. It is never logged.
func (r *Remote) dsn() (string, error) {
	p := r.opts.Profile
	pw, err := r.password()
	if err != nil {
		return "", err
	}
	sslmode := "verify-full"
	if p.TrustServerCertificate {
		sslmode = "require"
	}
	parts := []string{
		kv("host", p.Host),
		kv("port", fmt.Sprint(p.Port)),
		kv("dbname", p.Database),
		kv("sslmode", sslmode),
		kv("connect_timeout", fmt.Sprint(connectTimeoutSeconds(r.opts.ConnectTimeout))),
		kv("application_name", "cpd"),
	}
	if p.Username != "" {
		parts = append(parts, kv("user", p.Username))
	}
	if pw != "" {
		parts = append(parts, kv("password", pw))
	}
	return strings.Join(parts, " "), nil
}

// connectTimeoutSeconds rounds d up to whole seconds. libpq reads 0 as no
// timeout, so the result is at least 1.
func connectTimeoutSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func kv(k, v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return k + "='" + v + "'"
}

// Kind returns BackendRemote.
func (r *Remote) Kind() types.BackendKind { return types.BackendRemote }

// Profile returns the connection profile.
func (r *Remote) Profile() types.ConnectionProfile { return r.opts.Profile }

// DB returns the pooled handle for schema provisioning.
func (r *Remote) DB() *sqlx.DB { return r.db }

// Schema returns the pool and dialect used to provision and validate the
// remote schema.
func (r *Remote) Schema() (*sqlx.DB, schema.Dialect) { return r.db, schema.Postgres }

func (r *Remote) withConn(ctx context.Context, op string, fn func(ctx context.Context, c *sqlx.Conn) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OperationTimeout)
	defer cancel()
	err := r.opts.Retry.Do(ctx, r.opts.Logger, op, func(ctx context.Context) error {
		c, err := r.db.Connx(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, c)
	})
	return err
}

// Exec runs a write and returns the affected row count.
func (r *Remote) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := r.withConn(ctx, "exec", func(ctx context.Context, c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, c.Rebind(query), args...)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			n = 0
		}
		return nil
	})
	return n, Wrap("exec", r.target, err)
}

// Select scans all rows into dest. A retried attempt starts from an empty
// slice, since sqlx appends.
func (r *Remote) Select(ctx context.Context, dest any, query string, args ...any) error {
	return Wrap("select", r.target, r.withConn(ctx, "select", func(ctx context.Context, c *sqlx.Conn) error {
		truncate(dest)
		return c.SelectContext(ctx, dest, c.Rebind(query), args...)
	}))
}

// truncate empties the slice dest points to, keeping its backing array.
func truncate(dest any) {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return
	}
	if e := v.Elem(); e.Kind() == reflect.Slice {
		e.SetLen(0)
	}
}

// Get scans one row into dest.
func (r *Remote) Get(ctx context.Context, dest any, query string, args ...any) error {
	return wrapGet(r.target, r.withConn(ctx, "get", func(ctx context.Context, c *sqlx.Conn) error {
		return c.GetContext(ctx, dest, c.Rebind(query), args...)
	}))
}

// Begin takes a connection and opens a transaction on it. The connection is
// released by Commit or Rollback. Only acquiring the connection is retried.
func (r *Remote) Begin(ctx context.Context) (*Tx, error) {
	var c *sqlx.Conn
	err := r.opts.Retry.Do(ctx, r.opts.Logger, "begin", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
		defer cancel()
		var err error
		c, err = r.db.Connx(cctx)
		return err
	})
	if err != nil {
		return nil, Wrap("begin", r.target, err)
	}
	tx, err := c.BeginTxx(ctx, nil)
	if err != nil {
		c.Close()
		return nil, Wrap("begin", r.target, err)
	}
	return newTx(tx, r.target, func() { c.Close() }), nil
}

// TestReachability makes one connection attempt bounded by the connect
// timeout. It does not retry.
func (r *Remote) TestReachability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()
	c, err := r.db.Connx(ctx)
	if err != nil {
		return Wrap("connect", r.target, err)
	}
	defer c.Close()
	return Wrap("ping", r.target, c.PingContext(ctx))
}

// Close closes the pool.
func (r *Remote) Close() error { return r.db.Close() }

func (r *Remote) String() string { return "remote(" + r.target + ")" }
