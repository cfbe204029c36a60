package backend

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Class{}},
		{"bad password", &pq.Error{Code: "28P01"}, Class{Kind: types.KindConnection, Reason: types.ReasonAuthFailure}},
		{"no privilege", &pq.Error{Code: "42501"}, Class{Kind: types.KindConnection, Reason: types.ReasonAuthFailure}},
		{"too many connections", &pq.Error{Code: "53300"}, Class{Kind: types.KindConnection, Reason: types.ReasonBusy, Transient: true}},
		{"serialization", &pq.Error{Code: "40001"}, Class{Kind: types.KindConnection, Reason: types.ReasonBusy, Transient: true}},
		{"starting up", &pq.Error{Code: "57P03"}, Class{Kind: types.KindConnection, Reason: types.ReasonBusy, Transient: true}},
		{"statement timeout", &pq.Error{Code: "57014"}, Class{Kind: types.KindConnection, Reason: types.ReasonTimeout}},
		{"connection exception", &pq.Error{Code: "08006"}, Class{Kind: types.KindConnection, Reason: types.ReasonUnreachable, Transient: true}},
		{"unique", &pq.Error{Code: "23505"}, Class{Kind: types.KindConflict}},
		{"undefined table", &pq.Error{Code: "42P01"}, Class{Kind: types.KindNotFound}},
		{"bad value", &pq.Error{Code: "22P02"}, Class{Kind: types.KindValidation}},
		{"syntax", &pq.Error{Code: "42601"}, Class{}},
		{"deadline", context.DeadlineExceeded, Class{Kind: types.KindConnection, Reason: types.ReasonTimeout}},
		{"canceled", context.Canceled, Class{}},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}, Class{Kind: types.KindConnection, Reason: types.ReasonUnreachable}},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, Class{Kind: types.KindConnection, Reason: types.ReasonUnreachable}},
		{"unknown authority", fmt.Errorf("handshake: %w", x509.UnknownAuthorityError{}), Class{Kind: types.KindConnection, Reason: types.ReasonCertTrust}},
		{"ssl off", pq.ErrSSLNotSupported, Class{Kind: types.KindConnection, Reason: types.ReasonCertTrust}},
		{"wrapped pq", fmt.Errorf("select: %w", &pq.Error{Code: "28000"}), Class{Kind: types.KindConnection, Reason: types.ReasonAuthFailure}},
		{"already classified", types.ConnectionError("x", "", types.ReasonTimeout, nil), Class{Kind: types.KindConnection, Reason: types.ReasonTimeout}},
		{"unknown", errors.New("something odd"), Class{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifySQLiteConstraint(t *testing.T) {
	ctx := context.Background()
	l := openTestLocal(t)
	_, err := l.Exec(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY)")
	require.NoError(t, err)
	_, err = l.Exec(ctx, "INSERT INTO t (id) VALUES (?)", "a")
	require.NoError(t, err)
	_, err = l.Exec(ctx, "INSERT INTO t (id) VALUES (?)", "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestClassifySQLiteCodes(t *testing.T) {
	unreadable := Class{Kind: types.KindNotFound, Detail: types.ErrUnreadable}
	tests := []struct {
		name string
		code int
		want Class
	}{
		{"busy", sqlite3.SQLITE_BUSY, Class{Kind: types.KindConnection, Reason: types.ReasonBusy, Transient: true}},
		{"not a database", sqlite3.SQLITE_NOTADB, Class{Kind: types.KindIncompatibleSchema}},
		{"cannot open", sqlite3.SQLITE_CANTOPEN, Class{Kind: types.KindNotFound}},
		{"permission denied", sqlite3.SQLITE_PERM, unreadable},
		{"read-only file", sqlite3.SQLITE_READONLY, unreadable},
		{"read-only extended", sqlite3.SQLITE_READONLY | 4<<8, unreadable},
		{"authorizer denied", sqlite3.SQLITE_AUTH, unreadable},
		{"io error", sqlite3.SQLITE_IOERR, Class{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySQLite(tt.code, ""))
		})
	}
}

func TestWrapReadOnlyStoreIsUnreadable(t *testing.T) {
	l := openTestLocal(t)
	db, err := l.DB()
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA query_only = ON")
	require.NoError(t, err)

	_, err = l.Exec(context.Background(), "CREATE TABLE t (id TEXT)")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnreadable)
	assert.Equal(t, types.RefusalUnreadable, types.RefusalFor(err))
	assert.Equal(t, "check the file permissions", types.HintOf(err))
	assert.Empty(t, types.ReasonOf(err))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("op", "t", nil))

	err := Wrap("select", "db:5432/cpd", &pq.Error{Code: "53300", Message: "too many clients"})
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Equal(t, types.ReasonBusy, types.ReasonOf(err))

	plain := errors.New("odd")
	err = Wrap("select", "t", plain)
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, types.Kind(""), types.KindOf(err))
	assert.Equal(t, "select t: odd", err.Error())
}
