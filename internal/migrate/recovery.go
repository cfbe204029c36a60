package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mesh-intelligence/cpd/internal/atomicfile"
	"github.com/mesh-intelligence/cpd/internal/ledger"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// MarkerState is the recovery state of a store.
type MarkerState string

// Marker states.
const (
	MarkerNone          MarkerState = "none"
	MarkerPendingChoice MarkerState = "pending-choice"
)

// Marker is written next to the store before a migration transaction opens
// and removed once it commits or rolls back. Finding one on open means the
// process died mid-migration.
type Marker struct {
	State     MarkerState         `json:"state"`
	From      types.SchemaVersion `json:"from"`
	To        types.SchemaVersion `json:"to"`
	Steps     []string            `json:"steps"`
	Backup    string              `json:"backup"`
	StartedAt time.Time           `json:"started_at"`
}

// Choice is the user's answer to a pending recovery.
type Choice string

// Recovery choices.
const (
	ChoiceResume  Choice = "resume"
	ChoiceRestore Choice = "restore"
	ChoiceCancel  Choice = "cancel"
)

// ParseChoice validates a recovery choice.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceResume, ChoiceRestore, ChoiceCancel:
		return c, nil
	}
	return "", types.NewError(types.KindValidation, "parse recovery choice", s,
		fmt.Errorf("want %s, %s or %s", ChoiceResume, ChoiceRestore, ChoiceCancel))
}

// MarkerPath returns the recovery marker path for a store.
func MarkerPath(store string) string { return store + ".migrating" }

// ReadMarker returns the store's recovery marker. A missing marker reads as
// MarkerNone. An unparseable marker still counts as pending so the store
// is never opened past an interrupted migration.
func ReadMarker(store string) (Marker, error) {
	data, err := os.ReadFile(MarkerPath(store))
	if errors.Is(err, os.ErrNotExist) {
		return Marker{State: MarkerNone}, nil
	}
	if err != nil {
		return Marker{}, fmt.Errorf("reading recovery marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil || m.State == "" {
		return Marker{State: MarkerPendingChoice}, nil
	}
	return m, nil
}

func writeMarker(store string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding recovery marker: %w", err)
	}
	return atomicfile.WriteFile(MarkerPath(store), append(data, '\n'), 0o644)
}

func clearMarker(store string) error {
	err := os.Remove(MarkerPath(store))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Resume re-runs an interrupted migration from the store's current
// version to the marker's target. The store's own transaction guarantees
// it is still at a certified version.
func (r *Runner) Resume(ctx context.Context, st Store) (*Outcome, error) {
	m, err := ReadMarker(st.Path)
	if err != nil {
		return nil, err
	}
	if m.State == MarkerNone {
		return &Outcome{Phase: PhaseUpToDate}, nil
	}
	current, err := ledger.CurrentVersion(ctx, st.DB)
	if err != nil {
		return nil, err
	}
	to := m.To
	if !to.Valid() {
		to = r.target
	}
	if !current.Less(to) {
		if err := clearMarker(st.Path); err != nil {
			return nil, fmt.Errorf("removing recovery marker: %w", err)
		}
		return &Outcome{Phase: PhaseUpToDate, From: current, To: current}, nil
	}
	plan, err := r.Plan(current, to)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, st, plan)
}

// Restore replaces a closed store with the backup named in its recovery
// marker. WAL side files are removed first so they cannot replay onto the
// restored copy.
func Restore(store string) error {
	m, err := ReadMarker(store)
	if err != nil {
		return err
	}
	if m.State == MarkerNone {
		return nil
	}
	if m.Backup == "" || !exists(m.Backup) {
		return types.NewError(types.KindMigration, "restore", store,
			fmt.Errorf("%w: no backup recorded for the interrupted migration", types.ErrBackupFailed)).
			WithHint("restore the project file manually from a backup")
	}
	for _, side := range []string{store + "-wal", store + "-shm"} {
		if err := os.Remove(side); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", side, err)
		}
	}
	if err := atomicfile.Copy(store, m.Backup, 0o644); err != nil {
		return types.NewError(types.KindMigration, "restore", store, err)
	}
	return clearMarker(store)
}
