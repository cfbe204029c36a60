package types

import (
	"errors"
	"strings"
)

// Kind classifies an error for callers that render or route it. Every error
// the gateway returns across a package boundary carries exactly one Kind.
type Kind string

// Error kinds.
const (
	KindNotFound           Kind = "not-found"
	KindIncompatibleSchema Kind = "incompatible-schema"
	KindMigration          Kind = "migration"
	KindConnection         Kind = "connection"
	KindReadOnlyMode       Kind = "read-only"
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
)

// Kind sentinels. An *Error unwraps to the sentinel for its Kind, so
// errors.Is(err, ErrConnection) works without a type assertion.
var (
	ErrNotFound           = errors.New("not found")
	ErrIncompatibleSchema = errors.New("incompatible schema")
	ErrMigration          = errors.New("migration failed")
	ErrConnection         = errors.New("connection failed")
	ErrReadOnlyMode       = errors.New("project is read-only")
	ErrValidation         = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
)

// Detail sentinels carried in the Err field of an *Error.
var (
	ErrUnreadable               = errors.New("target is not readable")
	ErrUnsupportedNewerSchema   = errors.New("schema is newer than supported")
	ErrNoPathFound              = errors.New("no migration path between versions")
	ErrLedgerUnreadable         = errors.New("schema version record missing or malformed")
	ErrInvalidVersionTransition = errors.New("schema version cannot decrease")
	ErrBackupFailed             = errors.New("backup failed")
	ErrSignInRequired           = errors.New("interactive sign-in required")
	ErrSessionExpired           = errors.New("session expired")
	ErrRecoveryPending          = errors.New("interrupted migration awaits a recovery choice")
	ErrNotAcknowledged          = errors.New("backup not acknowledged")
	ErrLockHeld                 = errors.New("project is busy with another open or migration")
	ErrClosed                   = errors.New("project is closed")
	ErrInvalidName              = errors.New("invalid name")
	ErrInvalidDataType          = errors.New("unknown data type")
	ErrDuplicateName            = errors.New("name already in use")
)

// ConnReason distinguishes connection failures.
type ConnReason string

// Connection failure reasons.
const (
	ReasonTimeout     ConnReason = "timeout"
	ReasonUnreachable ConnReason = "unreachable"
	ReasonAuthFailure ConnReason = "auth-failure"
	ReasonCertTrust   ConnReason = "cert-trust"
	ReasonBusy        ConnReason = "busy"
)

// Error is the structured error returned by the gateway packages.
type Error struct {
	Kind   Kind
	Op     string     // operation, e.g. "open", "exec"
	Target string     // path, table or profile identity; never a connection string
	Reason ConnReason // set for KindConnection
	Step   string     // failing migration step for KindMigration
	Hint   string     // remediation shown to the user
	Err    error
}

// NewError returns an *Error of the given kind.
func NewError(kind Kind, op, target string, err error) *Error {
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

// ConnectionError returns a KindConnection error with reason r.
func ConnectionError(op, target string, r ConnReason, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Target: target, Reason: r, Err: err}
}

// WithHint sets the remediation hint and returns e.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithStep records the failing migration step and returns e.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Target != "" {
			b.WriteString(" ")
			b.WriteString(e.Target)
		}
		b.WriteString(": ")
	}
	b.WriteString(kindSentinel(e.Kind).Error())
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Step != "" {
		b.WriteString(" at step ")
		b.WriteString(e.Step)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := []error{kindSentinel(e.Kind)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func kindSentinel(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindIncompatibleSchema:
		return ErrIncompatibleSchema
	case KindMigration:
		return ErrMigration
	case KindConnection:
		return ErrConnection
	case KindReadOnlyMode:
		return ErrReadOnlyMode
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	default:
		return errors.New(string(k))
	}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the connection reason carried by err, or "".
func ReasonOf(err error) ConnReason {
	var e *Error
	for errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		err = e.Err
	}
	return ""
}

// HintOf returns the first explicit hint in err's chain, falling back to a
// default for the error's kind and detail.
func HintOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	cur := err
	for errors.As(cur, &e) {
		if e.Hint != "" {
			return e.Hint
		}
		cur = e.Err
	}
	return defaultHint(err)
}

func defaultHint(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedNewerSchema):
		return "schema newer than supported; upgrade the application"
	case errors.Is(err, ErrBackupFailed):
		return "backup failed; check disk space before retrying the migration"
	case errors.Is(err, ErrLedgerUnreadable):
		return "the schema version record is damaged; restore the project from a backup"
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSignInRequired):
		return "reopen the project to sign in again"
	case errors.Is(err, ErrRecoveryPending):
		return "run 'cpd project recover' and choose resume, restore or cancel"
	case errors.Is(err, ErrNotAcknowledged):
		return "confirm that a backup will be taken before the migration"
	case errors.Is(err, ErrLockHeld):
		return "another operation holds the project; retry when it finishes"
	case errors.Is(err, ErrUnreadable):
		return "check the file permissions"
	}
	switch ReasonOf(err) {
	case ReasonTimeout:
		return "check network latency or raise remote.operation_timeout"
	case ReasonUnreachable:
		return "check the host, port and network connectivity"
	case ReasonAuthFailure:
		return "check the username and credentials, then sign in again"
	case ReasonCertTrust:
		return "install the server certificate or enable trust_server_certificate"
	case ReasonBusy:
		return "the server is busy; retry later"
	}
	switch KindOf(err) {
	case KindNotFound:
		return "check the path or identifier"
	case KindIncompatibleSchema:
		return "the project schema is not supported by this version"
	case KindMigration:
		return "the project was left unchanged; restore from the backup or retry"
	case KindReadOnlyMode:
		return "reconnect to the remote server to make changes"
	case KindValidation:
		return "correct the input and retry"
	case KindConflict:
		return "retry when the conflicting operation finishes"
	case KindConnection:
		return "check the connection profile"
	}
	return ""
}
