// Package paths resolves the configuration directory and the default
// location for new projects.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "cpd"

// Environment variable names for directory overrides.
const (
	EnvConfigDir   = "CPD_CONFIG_DIR"
	EnvProjectsDir = "CPD_PROJECTS_DIR"
)

// platformDir holds platform-detection functions that can be overridden in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns the platform-specific default configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/cpd (fallback ~/.config/cpd)
// macOS:   ~/Library/Application Support/cpd
// Windows: %APPDATA%/cpd
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", AppName), nil
	default:
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppName), nil
	}
}

// DefaultProjectsDir returns where a project given by bare name is created.
//
// Linux:   $XDG_DATA_HOME/cpd/projects (fallback ~/.local/share/cpd/projects)
// macOS:   ~/Library/Application Support/cpd/projects
// Windows: %APPDATA%/cpd/projects
func DefaultProjectsDir() (string, error) {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName, "projects"), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", AppName, "projects"), nil
	default:
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppName, "projects"), nil
	}
}

// ResolveConfigDir returns the configuration directory following the
// precedence chain: flag > CPD_CONFIG_DIR env > DefaultConfigDir().
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveProjectsDir returns the projects directory following the
// precedence chain: flag > config value > CPD_PROJECTS_DIR env >
// DefaultProjectsDir().
func ResolveProjectsDir(flag, configValue string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if configValue != "" {
		return filepath.Abs(configValue)
	}
	if env := os.Getenv(EnvProjectsDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultProjectsDir()
}

// ProjectPath turns a project argument into a file path. A bare name with
// no separator and no extension lands in dir as name.cpd.
func ProjectPath(arg, dir string) (string, error) {
	if filepath.Base(arg) == arg && filepath.Ext(arg) == "" {
		return filepath.Join(dir, arg+".cpd"), nil
	}
	return filepath.Abs(arg)
}
