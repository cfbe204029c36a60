// Package gateway is the single entry point for queries against an open
// project. It routes every statement to the project's one backend, owns
// the connection state, refuses writes while the remote backend is
// degraded, and emits one observability record per operation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cpd/internal/backend"
	"github.com/mesh-intelligence/cpd/internal/redact"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Statement is a parameterized SQL statement. Callers declare statements
// as constants; building one from runtime data needs an explicit
// conversion, which makes it stand out in review.
type Statement string

// Op names an operation and its logical target for records and errors.
type Op struct {
	Name   string
	Target string
}

// ErrNotConnected is the cause of calls made while the backend is failed
// or disconnected.
var ErrNotConnected = errors.New("backend not connected")

// Options configures a Gateway.
type Options struct {
	Logger   *slog.Logger
	Metrics  *Metrics
	Observer func(Record)
	Clock    func() time.Time
}

// Status is a point-in-time view of the gateway for status reporting.
type Status struct {
	Backend   types.BackendKind     `json:"backend"`
	State     types.ConnectionState `json:"state"`
	Reason    types.ConnReason      `json:"reason,omitempty"`
	LastError string                `json:"last_error,omitempty"`
	CheckedAt time.Time             `json:"checked_at"`
}

// Gateway routes operations to one backend.
type Gateway struct {
	b       backend.Backend
	log     *slog.Logger
	metrics *Metrics
	observe func(Record)
	now     func() time.Time

	mu        sync.RWMutex
	state     types.ConnectionState
	lastErr   error
	checkedAt time.Time
}

// New returns a disconnected gateway over b.
func New(b backend.Backend, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Gateway{
		b:       b,
		log:     opts.Logger,
		metrics: opts.Metrics,
		observe: opts.Observer,
		now:     opts.Clock,
		state:   types.StateDisconnected,
	}
}

// Backend returns the kind of the routed backend.
func (g *Gateway) Backend() types.BackendKind { return g.b.Kind() }

// State returns the current connection state.
func (g *Gateway) State() types.ConnectionState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Status returns the current state with the last connection error.
func (g *Gateway) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Status{Backend: g.b.Kind(), State: g.state, CheckedAt: g.checkedAt}
	if g.lastErr != nil {
		s.Reason = types.ReasonOf(g.lastErr)
		s.LastError = redact.Error(g.lastErr)
	}
	return s
}

// Err returns the error of the last reachability test, or nil.
func (g *Gateway) Err() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastErr
}

// Fail moves the gateway to failed with err as the cause, for callers that
// find the backend unusable after it answered a reachability test.
func (g *Gateway) Fail(err error) {
	g.mu.Lock()
	prev := g.state
	g.state = types.StateFailed
	g.lastErr = err
	g.checkedAt = g.now()
	g.mu.Unlock()
	if prev != types.StateFailed {
		g.log.Warn("gateway.state", "backend", string(g.b.Kind()), "from", prev.String(), "to", types.StateFailed.String(), "err", redact.Error(err))
	}
}

// Connect makes the first reachability test after open. A local backend
// either connects or fails. A remote backend that cannot be reached
// degrades to read-only; one that rejects the credentials fails.
func (g *Gateway) Connect(ctx context.Context) (types.ConnectionState, error) {
	return g.probe(ctx, Op{Name: "connect"})
}

// CheckReachability re-tests the backend and moves the state accordingly.
// It is the only way out of degraded-read-only.
func (g *Gateway) CheckReachability(ctx context.Context) (types.ConnectionState, error) {
	return g.probe(ctx, Op{Name: "check reachability"})
}

func (g *Gateway) probe(ctx context.Context, op Op) (types.ConnectionState, error) {
	start := g.now()
	err := g.b.TestReachability(ctx)
	next := stateAfter(g.b.Kind(), err)

	g.mu.Lock()
	prev := g.state
	g.state = next
	g.lastErr = err
	g.checkedAt = g.now()
	g.mu.Unlock()

	if prev != next {
		g.log.Info("gateway.state", "backend", string(g.b.Kind()), "from", prev.String(), "to", next.String())
	}
	g.emit(op, start, 0, err)
	return next, err
}

func stateAfter(kind types.BackendKind, err error) types.ConnectionState {
	if err == nil {
		return types.StateConnected
	}
	if errors.Is(err, context.Canceled) {
		return types.StateDisconnected
	}
	if kind != types.BackendRemote {
		return types.StateFailed
	}
	switch types.ReasonOf(err) {
	case types.ReasonUnreachable, types.ReasonTimeout, types.ReasonBusy:
		return types.StateDegradedReadOnly
	}
	return types.StateFailed
}

// settle moves a remote gateway out of connected when an operation finds
// the server gone. A write failure degrades to read-only; a read that
// fails while already degraded means reads are not served either.
func (g *Gateway) settle(err error, write bool) {
	if err == nil || g.b.Kind() != types.BackendRemote {
		return
	}
	switch types.ReasonOf(err) {
	case types.ReasonUnreachable, types.ReasonTimeout:
	default:
		return
	}
	g.mu.Lock()
	prev := g.state
	next := prev
	switch {
	case prev == types.StateConnected:
		next = types.StateDegradedReadOnly
	case prev == types.StateDegradedReadOnly && !write:
		next = types.StateFailed
	}
	g.state = next
	g.lastErr = err
	g.checkedAt = g.now()
	g.mu.Unlock()
	if prev != next {
		g.log.Warn("gateway.state", "backend", string(g.b.Kind()), "from", prev.String(), "to", next.String(), "err", redact.Error(err))
	}
}

// admit decides whether an operation may reach the backend.
func (g *Gateway) admit(op Op, write bool) error {
	g.mu.RLock()
	state, last := g.state, g.lastErr
	g.mu.RUnlock()

	switch {
	case write && state.CanWrite(), !write && state.CanRead():
		return nil
	case state == types.StateDegradedReadOnly:
		return types.NewError(types.KindReadOnlyMode, op.Name, op.Target, nil)
	}
	reason := types.ReasonOf(last)
	if reason == "" {
		reason = types.ReasonUnreachable
	}
	return types.ConnectionError(op.Name, op.Target, reason, fmt.Errorf("%w (%s)", ErrNotConnected, state))
}

// Exec runs a write statement and returns the affected row count.
func (g *Gateway) Exec(ctx context.Context, op Op, stmt Statement, args ...any) (int64, error) {
	start := g.now()
	if err := g.admit(op, true); err != nil {
		g.emit(op, start, 0, err)
		return 0, err
	}
	n, err := g.b.Exec(ctx, string(stmt), args...)
	err = wrap(op, err)
	g.settle(err, true)
	g.emit(op, start, n, err)
	return n, err
}

// Select runs a query and scans every row into dest.
func (g *Gateway) Select(ctx context.Context, op Op, dest any, stmt Statement, args ...any) error {
	start := g.now()
	if err := g.admit(op, false); err != nil {
		g.emit(op, start, 0, err)
		return err
	}
	err := wrap(op, g.b.Select(ctx, dest, string(stmt), args...))
	g.settle(err, false)
	g.emit(op, start, rowCount(dest, err), err)
	return err
}

// Get runs a query and scans exactly one row into dest. No row is a
// KindNotFound error.
func (g *Gateway) Get(ctx context.Context, op Op, dest any, stmt Statement, args ...any) error {
	start := g.now()
	if err := g.admit(op, false); err != nil {
		g.emit(op, start, 0, err)
		return err
	}
	err := wrap(op, g.b.Get(ctx, dest, string(stmt), args...))
	g.settle(err, false)
	var n int64
	if err == nil {
		n = 1
	}
	g.emit(op, start, n, err)
	return err
}

// WithTx runs fn in one transaction. It commits when fn returns nil and
// rolls back otherwise, including when fn panics.
func (g *Gateway) WithTx(ctx context.Context, op Op, fn func(tx *Tx) error) (err error) {
	start := g.now()
	if err := g.admit(op, true); err != nil {
		g.emit(op, start, 0, err)
		return err
	}
	btx, err := g.b.Begin(ctx)
	if err != nil {
		err = wrap(op, err)
		g.settle(err, true)
		g.emit(op, start, 0, err)
		return err
	}
	tx := &Tx{tx: btx}
	defer func() {
		if p := recover(); p != nil {
			btx.Rollback()
			g.emit(op, start, 0, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := btx.Rollback(); rbErr != nil {
			g.log.Warn("gateway.rollback", "operation", op.Name, "err", redact.Error(rbErr))
		}
		g.emit(op, start, 0, err)
		return err
	}
	if err = btx.Commit(); err != nil {
		err = wrap(op, err)
		g.settle(err, true)
		g.emit(op, start, 0, err)
		return err
	}
	g.emit(op, start, tx.rows, nil)
	return nil
}

// Close releases the backend. The gateway is disconnected afterwards.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.state = types.StateDisconnected
	g.mu.Unlock()
	return g.b.Close()
}

// Tx is a gateway transaction.
type Tx struct {
	tx   *backend.Tx
	rows int64
}

// Exec runs a write inside the transaction.
func (t *Tx) Exec(ctx context.Context, stmt Statement, args ...any) (int64, error) {
	n, err := t.tx.Exec(ctx, string(stmt), args...)
	t.rows += n
	return n, err
}

// Select scans rows inside the transaction.
func (t *Tx) Select(ctx context.Context, dest any, stmt Statement, args ...any) error {
	return t.tx.Select(ctx, dest, string(stmt), args...)
}

// Get scans one row inside the transaction.
func (t *Tx) Get(ctx context.Context, dest any, stmt Statement, args ...any) error {
	return t.tx.Get(ctx, dest, string(stmt), args...)
}

func rowCount(dest any, err error) int64 {
	if err != nil {
		return 0
	}
	v := reflect.ValueOf(dest)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() == reflect.Slice {
		return int64(v.Len())
	}
	return 1
}

func wrap(op Op, err error) error {
	return backend.Wrap(op.Name, op.Target, err)
}

func (g *Gateway) emit(op Op, start time.Time, rows int64, err error) {
	rec := Record{
		ID:        uuid.NewString(),
		Time:      start,
		Operation: op.Name,
		Backend:   g.b.Kind(),
		Target:    op.Target,
		Duration:  g.now().Sub(start),
		Rows:      rows,
		Outcome:   OutcomeOK,
		Level:     slog.LevelInfo,
	}
	if err != nil {
		rec.Message = redact.Error(err)
		rec.Outcome = outcomeOf(err)
		switch types.KindOf(err) {
		case types.KindNotFound, types.KindReadOnlyMode, types.KindValidation, types.KindConflict:
			rec.Level = slog.LevelWarn
		default:
			rec.Level = slog.LevelError
		}
	}
	g.log.Log(context.Background(), rec.Level, "gateway.op", rec.Attrs()...)
	g.metrics.observe(rec)
	if g.observe != nil {
		g.observe(rec)
	}
}

func outcomeOf(err error) string {
	if k := types.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
