package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/mesh-intelligence/cpd/internal/redact"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

// Exit codes for different error categories.
const (
	ExitSuccess    = 0
	ExitConfig     = 1
	ExitDatabase   = 2
	ExitNetwork    = 3
	ExitInput      = 4
	ExitPermission = 5
	ExitNotFound   = 6
	ExitInternal   = 10
)

// UserError is what the CLI shows when a command fails: what went wrong,
// why, and how to fix it.
type UserError struct {
	Message  string
	Cause    string
	Fix      string
	ExitCode int
	Err      error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UserError) Unwrap() error { return e.Err }

var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format renders the error for a terminal.
func (e *UserError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")
	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}
	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}
	return out.String()
}

// errorJSON is the --json form of a UserError.
type errorJSON struct {
	Error    string        `json:"error"`
	Cause    string        `json:"cause,omitempty"`
	Fix      string        `json:"fix,omitempty"`
	Refusal  types.Refusal `json:"refusal,omitempty"`
	ExitCode int           `json:"exit_code"`
}

// toUserError maps any command error onto a UserError. Messages are
// redacted.
func toUserError(err error) *UserError {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}
	cause := redact.Error(err)
	var te *types.Error
	if !errors.As(err, &te) {
		return &UserError{Message: "command failed", Cause: cause, ExitCode: ExitInternal, Err: err}
	}

	ue = &UserError{Cause: cause, Fix: types.HintOf(err), Err: err}
	switch types.KindOf(err) {
	case types.KindNotFound:
		ue.Message, ue.ExitCode = "not found", ExitNotFound
		if errors.Is(err, types.ErrUnreadable) {
			ue.Message, ue.ExitCode = "cannot read the project file", ExitPermission
		}
	case types.KindIncompatibleSchema:
		ue.Message, ue.ExitCode = "incompatible project schema", ExitDatabase
	case types.KindMigration:
		ue.Message, ue.ExitCode = "schema migration did not run", ExitDatabase
	case types.KindConnection:
		ue.Message, ue.ExitCode = "cannot reach the database", ExitNetwork
	case types.KindReadOnlyMode:
		ue.Message, ue.ExitCode = "project is read-only", ExitNetwork
	case types.KindValidation:
		ue.Message, ue.ExitCode = "invalid input", ExitInput
	case types.KindConflict:
		ue.Message, ue.ExitCode = "conflict", ExitDatabase
	default:
		ue.Message, ue.ExitCode = "command failed", ExitInternal
	}
	return ue
}

// render writes err to w and returns the exit code.
func render(w io.Writer, err error, jsonMode, noColor bool) int {
	if err == nil {
		return ExitSuccess
	}
	ue := toUserError(err)
	if jsonMode {
		out := errorJSON{Error: ue.Message, Cause: ue.Cause, Fix: ue.Fix, ExitCode: ue.ExitCode}
		if types.KindOf(err) != "" {
			out.Refusal = types.RefusalFor(err)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return ue.ExitCode
	}
	fmt.Fprint(w, ue.Format(noColor))
	return ue.ExitCode
}

func inputError(msg, fix string) *UserError {
	return &UserError{Message: msg, Fix: fix, ExitCode: ExitInput}
}
