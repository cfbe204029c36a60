package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProfile() *ConnectionProfile {
	return &ConnectionProfile{
		Host:     "db.example.com",
		Port:     DefaultRemotePort,
		Database: "cpd",
		AuthMode: AuthPassword,
		Username: "planner",
	}
}

func TestProjectDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    ProjectDescriptor
		wantErr bool
	}{
		{"local", ProjectDescriptor{Path: "/p/a.cpd", Name: "A", Backend: BackendLocal}, false},
		{"remote", ProjectDescriptor{Path: "/p/b.cpd", Name: "B", Backend: BackendRemote, Profile: validProfile()}, false},
		{"empty path", ProjectDescriptor{Name: "A", Backend: BackendLocal}, true},
		{"empty name", ProjectDescriptor{Path: "/p/a.cpd", Backend: BackendLocal}, true},
		{"remote without profile", ProjectDescriptor{Path: "/p/b.cpd", Name: "B", Backend: BackendRemote}, true},
		{"local with profile", ProjectDescriptor{Path: "/p/a.cpd", Name: "A", Backend: BackendLocal, Profile: validProfile()}, true},
		{"unknown backend", ProjectDescriptor{Path: "/p/a.cpd", Name: "A", Backend: "both"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestParseBackendKind(t *testing.T) {
	k, err := ParseBackendKind(" Remote ")
	require.NoError(t, err)
	assert.Equal(t, BackendRemote, k)

	_, err = ParseBackendKind("sqlserver")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRefusedState(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Refusal
	}{
		{"newer schema", NewError(KindIncompatibleSchema, "open", "/p", ErrUnsupportedNewerSchema), RefusalUpgradeRequired},
		{"ledger", NewError(KindIncompatibleSchema, "open", "/p", ErrLedgerUnreadable), RefusalIncompatible},
		{"missing", NewError(KindNotFound, "open", "/p", nil), RefusalNotFound},
		{"unreadable", NewError(KindNotFound, "open", "/p", ErrUnreadable), RefusalUnreadable},
		{"migration", NewError(KindMigration, "open", "/p", errors.New("boom")), RefusalMigrationFailed},
		{"connection", ConnectionError("create", "h", ReasonUnreachable, nil), RefusalConnection},
		{"lock", NewError(KindConflict, "open", "/p", ErrLockHeld), RefusalConflict},
		{"not acknowledged", NewError(KindMigration, "open", "/p", ErrNotAcknowledged), RefusalNotAcknowledged},
		{"wrapped", fmt.Errorf("x: %w", NewError(KindNotFound, "open", "/p", nil)), RefusalNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := RefusedState(tt.err)
			assert.Equal(t, StatusRefused, st.Status)
			assert.Equal(t, tt.want, st.Refusal)
			assert.NotEmpty(t, st.Hint)
			assert.Equal(t, "refused("+string(tt.want)+")", st.String())
			assert.Equal(t, ReasonOf(tt.err), st.Reason)
		})
	}
}
