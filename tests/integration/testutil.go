// Package integration runs the cpd binary end to end against isolated
// configuration and project directories.
package integration

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var (
	// cpdBin is the path to the built cpd binary.
	cpdBin string
	// buildErr captures any build error.
	buildErr error
)

// BuildError wraps a build error with output.
type BuildError struct {
	Err    error
	Output string
}

func (e *BuildError) Error() string {
	return e.Err.Error() + ": " + e.Output
}

// FindProjectRoot finds the module root by walking up and looking for go.mod.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// TestEnv is an isolated configuration and projects directory.
type TestEnv struct {
	t           *testing.T
	TempDir     string
	ConfigDir   string
	ProjectsDir string
}

// NewTestEnv creates a new isolated test environment.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if buildErr != nil {
		t.Fatalf("failed to build cpd: %v", buildErr)
	}
	if cpdBin == "" {
		t.Fatal("cpd binary not built")
	}
	tempDir := t.TempDir()
	return &TestEnv{
		t:           t,
		TempDir:     tempDir,
		ConfigDir:   filepath.Join(tempDir, "config"),
		ProjectsDir: filepath.Join(tempDir, "projects"),
	}
}

// CmdResult holds the result of a cpd command execution.
type CmdResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunCPD executes the cpd CLI with stdin as its input.
func (e *TestEnv) RunCPD(stdin string, args ...string) CmdResult {
	e.t.Helper()

	allArgs := append([]string{"--config-dir", e.ConfigDir, "--projects-dir", e.ProjectsDir, "--no-color"}, args...)
	cmd := exec.Command(cpdBin, allArgs...)
	// Keep stderr to the JSON error document; log lines would break parsing.
	cmd.Env = append(os.Environ(), "CPD_REMOTE_PASSWORD=", "CPD_LOG_LEVEL=error")
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			e.t.Fatalf("failed to run cpd: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return CmdResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}
}

// MustRunCPD executes the cpd CLI and fails the test if it returns non-zero.
func (e *TestEnv) MustRunCPD(args ...string) CmdResult {
	e.t.Helper()
	result := e.RunCPD("", args...)
	if result.ExitCode != 0 {
		e.t.Fatalf("cpd %v failed with exit code %d:\nstdout: %s\nstderr: %s",
			args, result.ExitCode, result.Stdout, result.Stderr)
	}
	return result
}

// ParseJSON parses JSON output into the target type.
func ParseJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var result T
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", s, err)
	}
	return result
}

// Report is the JSON form of project open, create and status.
type Report struct {
	Path          string `json:"path"`
	Name          string `json:"name"`
	Backend       string `json:"backend"`
	SchemaVersion string `json:"schema_version"`
	State         struct {
		Status  string `json:"status"`
		Refusal string `json:"refusal"`
	} `json:"state"`
	Migrations []struct {
		MigrationID string `json:"migration_id"`
	} `json:"migrations"`
}

// Property is the JSON form of a property definition.
type Property struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	Unit       string `json:"unit"`
	Deprecated bool   `json:"deprecated"`
}

// ErrorOutput is the --json form of a failed command.
type ErrorOutput struct {
	Error    string `json:"error"`
	Refusal  string `json:"refusal"`
	ExitCode int    `json:"exit_code"`
}

// RecentEntry is one line of recent list --json.
type RecentEntry struct {
	Path string `json:"path"`
}
