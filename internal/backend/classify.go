package backend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Class is the taxonomy position of a driver error.
type Class struct {
	Kind      types.Kind
	Reason    types.ConnReason
	Detail    error // detail sentinel wrapped into the error, e.g. types.ErrUnreadable
	Transient bool
}

// Classify maps driver, network and TLS errors from either backend onto the
// shared taxonomy. Errors it does not recognize return the zero Class.
func Classify(err error) Class {
	if err == nil {
		return Class{}
	}
	var te *types.Error
	if errors.As(err, &te) {
		return Class{Kind: te.Kind, Reason: te.Reason}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Class{Kind: types.KindConnection, Reason: types.ReasonTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return Class{}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return classifySQLite(liteErr.Code(), liteErr.Error())
	}

	if isCertError(err) {
		return Class{Kind: types.KindConnection, Reason: types.ReasonCertTrust}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Class{Kind: types.KindConnection, Reason: types.ReasonTimeout}
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return Class{Kind: types.KindConnection, Reason: types.ReasonUnreachable}
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Class{Kind: types.KindConnection, Reason: types.ReasonUnreachable, Transient: true}
	}

	// Some drivers only report through the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"):
		return Class{Kind: types.KindNotFound}
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database is busy"):
		return Class{Kind: types.KindConnection, Reason: types.ReasonBusy, Transient: true}
	case strings.Contains(msg, "unique constraint"), strings.Contains(msg, "constraint failed"):
		return Class{Kind: types.KindConflict}
	}
	return Class{}
}

func classifyPostgres(e *pq.Error) Class {
	switch e.Code {
	case "42501": // insufficient_privilege
		return Class{Kind: types.KindConnection, Reason: types.ReasonAuthFailure}
	case "53300", "53000", "53200", "57P03", "40001", "40P01", "55P03":
		return Class{Kind: types.KindConnection, Reason: types.ReasonBusy, Transient: true}
	case "57014": // query_canceled, raised by statement_timeout
		return Class{Kind: types.KindConnection, Reason: types.ReasonTimeout}
	case "42P01", "3D000": // undefined_table, invalid_catalog_name
		return Class{Kind: types.KindNotFound}
	}
	switch e.Code.Class() {
	case "28": // invalid_authorization_specification
		return Class{Kind: types.KindConnection, Reason: types.ReasonAuthFailure}
	case "08": // connection_exception
		return Class{Kind: types.KindConnection, Reason: types.ReasonUnreachable, Transient: true}
	case "23": // integrity_constraint_violation
		return Class{Kind: types.KindConflict}
	case "22": // data_exception
		return Class{Kind: types.KindValidation}
	}
	return Class{}
}

func classifySQLite(code int, msg string) Class {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return Class{Kind: types.KindConnection, Reason: types.ReasonBusy, Transient: true}
	case sqlite3.SQLITE_CONSTRAINT:
		return Class{Kind: types.KindConflict}
	case sqlite3.SQLITE_CANTOPEN:
		return Class{Kind: types.KindNotFound}
	case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
		return Class{Kind: types.KindIncompatibleSchema}
	case sqlite3.SQLITE_PERM, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_AUTH:
		// A local file refused by the OS or the engine is a permissions
		// problem, not a credentials one.
		return Class{Kind: types.KindNotFound, Detail: types.ErrUnreadable}
	}
	if strings.Contains(strings.ToLower(msg), "no such table") {
		return Class{Kind: types.KindNotFound}
	}
	return Class{}
}

func isCertError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verify *tls.CertificateVerificationError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verify) {
		return true
	}
	return errors.Is(err, pq.ErrSSLNotSupported)
}

// Wrap converts err into a *types.Error when Classify recognizes it, and
// otherwise adds op and target context with %w.
func Wrap(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	c := Classify(err)
	if c.Kind == "" {
		if target == "" {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s %s: %w", op, target, err)
	}
	if c.Detail != nil {
		err = fmt.Errorf("%w: %w", c.Detail, err)
	}
	e := types.NewError(c.Kind, op, target, err)
	e.Reason = c.Reason
	return e
}
