package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BackendKind selects where a project's domain data lives.
type BackendKind string

// Supported backends.
const (
	BackendLocal  BackendKind = "local"
	BackendRemote BackendKind = "remote"
)

// ParseBackendKind converts user input into a BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	switch k := BackendKind(strings.ToLower(strings.TrimSpace(s))); k {
	case BackendLocal, BackendRemote:
		return k, nil
	}
	return "", NewError(KindValidation, "parse backend", s, fmt.Errorf("backend must be %q or %q", BackendLocal, BackendRemote))
}

// ProjectDescriptor identifies one project. It is fixed at creation time and
// persisted in the local settings store.
type ProjectDescriptor struct {
	Path      string             `json:"path"`
	Name      string             `json:"name"`
	Backend   BackendKind        `json:"backend"`
	Profile   *ConnectionProfile `json:"profile,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Validate checks that the descriptor names exactly one usable backend.
func (d ProjectDescriptor) Validate() error {
	if strings.TrimSpace(d.Path) == "" {
		return NewError(KindValidation, "validate project", "", errors.New("path must not be empty"))
	}
	if strings.TrimSpace(d.Name) == "" {
		return NewError(KindValidation, "validate project", d.Path, ErrInvalidName)
	}
	switch d.Backend {
	case BackendLocal:
		if d.Profile != nil {
			return NewError(KindValidation, "validate project", d.Path, errors.New("a local project must not carry a connection profile"))
		}
	case BackendRemote:
		if d.Profile == nil {
			return NewError(KindValidation, "validate project", d.Path, errors.New("a remote project needs a connection profile"))
		}
		return d.Profile.Validate()
	default:
		return NewError(KindValidation, "validate project", d.Path, fmt.Errorf("unknown backend %q", d.Backend))
	}
	return nil
}

// ProjectStatus is the outcome of open or create.
type ProjectStatus string

// Project statuses.
const (
	StatusReady    ProjectStatus = "ready"
	StatusReadOnly ProjectStatus = "read-only"
	StatusRefused  ProjectStatus = "refused"
)

// Refusal names why a project could not be opened or created.
type Refusal string

// Refusal reasons.
const (
	RefusalNotFound        Refusal = "not-found"
	RefusalUnreadable      Refusal = "unreadable"
	RefusalIncompatible    Refusal = "incompatible"
	RefusalUpgradeRequired Refusal = "upgrade-required"
	RefusalMigrationFailed Refusal = "migration-failed"
	RefusalNotAcknowledged Refusal = "not-acknowledged"
	RefusalRecoveryPending Refusal = "recovery-pending"
	RefusalConnection      Refusal = "connection"
	RefusalConflict        Refusal = "conflict"
	RefusalValidation      Refusal = "validation"
)

// ProjectState is what open and create report to callers.
type ProjectState struct {
	Status  ProjectStatus `json:"status"`
	Refusal Refusal       `json:"refusal,omitempty"`
	Reason  ConnReason    `json:"reason,omitempty"`
	Hint    string        `json:"hint,omitempty"`
	Err     error         `json:"-"`
}

func (s ProjectState) String() string {
	if s.Status != StatusRefused {
		return string(s.Status)
	}
	return fmt.Sprintf("%s(%s)", s.Status, s.Refusal)
}

// RefusedState maps an open or create error onto a refused ProjectState.
func RefusedState(err error) ProjectState {
	return ProjectState{Status: StatusRefused, Refusal: RefusalFor(err), Reason: ReasonOf(err), Hint: HintOf(err), Err: err}
}

// RefusalFor classifies err into a Refusal.
func RefusalFor(err error) Refusal {
	switch {
	case errors.Is(err, ErrUnsupportedNewerSchema):
		return RefusalUpgradeRequired
	case errors.Is(err, ErrUnreadable):
		return RefusalUnreadable
	case errors.Is(err, ErrNotAcknowledged):
		return RefusalNotAcknowledged
	case errors.Is(err, ErrRecoveryPending):
		return RefusalRecoveryPending
	case errors.Is(err, ErrNotFound):
		return RefusalNotFound
	case errors.Is(err, ErrIncompatibleSchema):
		return RefusalIncompatible
	case errors.Is(err, ErrMigration):
		return RefusalMigrationFailed
	case errors.Is(err, ErrConnection):
		return RefusalConnection
	case errors.Is(err, ErrConflict):
		return RefusalConflict
	}
	return RefusalValidation
}
