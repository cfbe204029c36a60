// Package config loads cpd settings from config.yaml, an optional .env
// file and CPD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/cpd/internal/backend"
	"github.com/mesh-intelligence/cpd/internal/logging"
	"github.com/mesh-intelligence/cpd/internal/project"
	"github.com/mesh-intelligence/cpd/internal/recent"
	"github.com/mesh-intelligence/cpd/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"
	envFileName    = ".env"

	// EnvPrefix prefixes every environment override, e.g. CPD_LOG_LEVEL.
	EnvPrefix = "CPD"

	keyRemotePassword = "remote.password"
)

// Config is the resolved configuration.
type Config struct {
	Log      logging.Config `mapstructure:"log" yaml:"log"`
	Remote   Remote         `mapstructure:"remote" yaml:"remote"`
	Recent   Recent         `mapstructure:"recent" yaml:"recent"`
	Lock     Lock           `mapstructure:"lock" yaml:"lock"`
	Projects Projects       `mapstructure:"projects" yaml:"projects"`
	Backup   Backup         `mapstructure:"backup" yaml:"backup"`
	Serve    Serve          `mapstructure:"serve" yaml:"serve"`

	// Dir is the directory config.yaml was read from.
	Dir string `mapstructure:"-" yaml:"-"`

	password string
}

// Remote holds the remote backend timeouts and retry policy.
type Remote struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Recent configures the recent-projects list.
type Recent struct {
	Limit int `mapstructure:"limit" yaml:"limit"`
}

// Lock configures concurrent opens of one project.
type Lock struct {
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// Projects configures where projects named without a path are created.
type Projects struct {
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`
}

// Backup configures where pre-migration backups go. Empty means next to
// the project file.
type Backup struct {
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`
}

// Serve configures the status API.
type Serve struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: logging.Config{Level: "info", Format: "text"},
		Remote: Remote{
			ConnectTimeout:   backend.DefaultConnectTimeout,
			OperationTimeout: backend.DefaultOperationTimeout,
			MaxAttempts:      backend.DefaultRetryPolicy.MaxAttempts,
			BaseDelay:        backend.DefaultRetryPolicy.BaseDelay,
			MaxDelay:         backend.DefaultRetryPolicy.MaxDelay,
		},
		Recent: Recent{Limit: recent.DefaultLimit},
		Lock:   Lock{Policy: string(project.LockWait)},
		Serve:  Serve{Addr: "127.0.0.1:8470"},
	}
}

const defaultConfigHeader = `# cpd configuration
# Every key can be overridden with an environment variable, e.g.
# CPD_LOG_LEVEL=debug or CPD_REMOTE_OPERATION_TIMEOUT=10s.
# The remote password is read from CPD_REMOTE_PASSWORD (also from .env)
# and is never stored here.

`

// Load reads configuration from dir, creating dir and a default
// config.yaml on first run. A .env file in dir or in the working
// directory is loaded first; it never overrides variables already set.
func Load(dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(dir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}
	if err := loadDotEnv(filepath.Join(dir, envFileName), envFileName); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(dir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault(keyRemotePassword, "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, types.NewError(types.KindValidation, "read config", filepath.Join(dir, configFileExt), err).
				WithHint("fix the syntax of config.yaml or delete it to restore the defaults")
		}
	}

	if v.InConfig(keyRemotePassword) {
		return nil, types.NewError(types.KindValidation, "read config", filepath.Join(dir, configFileExt),
			errors.New("remote.password must not be stored in config.yaml")).
			WithHint("remove it from config.yaml and set CPD_REMOTE_PASSWORD or put it in .env")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.NewError(types.KindValidation, "decode config", filepath.Join(dir, configFileExt), err)
	}
	cfg.Dir = dir
	cfg.password = v.GetString(keyRemotePassword)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key of d so environment overrides apply
// even when config.yaml omits the key.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("remote.connect_timeout", d.Remote.ConnectTimeout)
	v.SetDefault("remote.operation_timeout", d.Remote.OperationTimeout)
	v.SetDefault("remote.max_attempts", d.Remote.MaxAttempts)
	v.SetDefault("remote.base_delay", d.Remote.BaseDelay)
	v.SetDefault("remote.max_delay", d.Remote.MaxDelay)
	v.SetDefault("recent.limit", d.Recent.Limit)
	v.SetDefault("lock.policy", d.Lock.Policy)
	v.SetDefault("projects.dir", d.Projects.Dir)
	v.SetDefault("backup.dir", d.Backup.Dir)
	v.SetDefault("serve.addr", d.Serve.Addr)
}

func loadDotEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return types.NewError(types.KindValidation, "load env file", f, err)
	}
	return nil
}

// ensureDefaultConfigFile writes config.yaml with the built-in defaults if
// the file does not exist yet.
func ensureDefaultConfigFile(dir string) error {
	path := filepath.Join(dir, configFileExt)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return WriteFile(path, Default())
}

// WriteFile writes cfg as YAML to path.
func WriteFile(path string, cfg Config) error {
	body, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

// Marshal renders cfg as commented YAML.
func Marshal(cfg Config) ([]byte, error) {
	body, err := yaml.Marshal(yamlView(cfg))
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return append([]byte(defaultConfigHeader), body...), nil
}

// yamlView renders durations the way viper reads them back.
func yamlView(cfg Config) map[string]any {
	return map[string]any{
		"log": map[string]string{"level": cfg.Log.Level, "format": cfg.Log.Format},
		"remote": map[string]any{
			"connect_timeout":   cfg.Remote.ConnectTimeout.String(),
			"operation_timeout": cfg.Remote.OperationTimeout.String(),
			"max_attempts":      cfg.Remote.MaxAttempts,
			"base_delay":        cfg.Remote.BaseDelay.String(),
			"max_delay":         cfg.Remote.MaxDelay.String(),
		},
		"recent":   cfg.Recent,
		"lock":     cfg.Lock,
		"projects": cfg.Projects,
		"backup":   cfg.Backup,
		"serve":    cfg.Serve,
	}
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := project.ParseLockPolicy(c.Lock.Policy); err != nil {
		return err
	}
	if c.Remote.MaxAttempts < 1 {
		return types.NewError(types.KindValidation, "validate config", "remote.max_attempts", errors.New("must be at least 1"))
	}
	for key, d := range map[string]time.Duration{
		"remote.connect_timeout":   c.Remote.ConnectTimeout,
		"remote.operation_timeout": c.Remote.OperationTimeout,
		"remote.base_delay":        c.Remote.BaseDelay,
		"remote.max_delay":         c.Remote.MaxDelay,
	} {
		if d <= 0 {
			return types.NewError(types.KindValidation, "validate config", key, errors.New("must be a positive duration"))
		}
	}
	return nil
}

// Credentials returns the remote password from CPD_REMOTE_PASSWORD.
func (c *Config) Credentials() types.Credentials { return types.Credentials{Password: c.password} }

// RemoteConfig maps the remote section onto the coordinator's settings.
func (c *Config) RemoteConfig() project.RemoteConfig {
	return project.RemoteConfig{
		ConnectTimeout:   c.Remote.ConnectTimeout,
		OperationTimeout: c.Remote.OperationTimeout,
		Retry: backend.RetryPolicy{
			MaxAttempts: c.Remote.MaxAttempts,
			BaseDelay:   c.Remote.BaseDelay,
			MaxDelay:    c.Remote.MaxDelay,
		},
	}
}

// LockPolicy returns the parsed lock policy.
func (c *Config) LockPolicy() project.LockPolicy {
	p, err := project.ParseLockPolicy(c.Lock.Policy)
	if err != nil {
		return project.LockWait
	}
	return p
}

// RecentPath is the recent-projects file inside the config directory.
func (c *Config) RecentPath() string { return filepath.Join(c.Dir, recent.FileName) }
