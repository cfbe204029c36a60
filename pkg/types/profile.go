package types

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// AuthMode selects how the remote backend authenticates a session.
type AuthMode string

// Authentication modes.
const (
	AuthPassword    AuthMode = "password"
	AuthIntegrated  AuthMode = "integrated"
	AuthInteractive AuthMode = "interactive"
)

// ConnectionProfile holds the non-secret parameters of a remote backend.
// There is deliberately no password field: credentials are supplied per
// session through Credentials.
type ConnectionProfile struct {
	Host                   string   `json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port                   int      `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	Database               string   `json:"database" yaml:"database" validate:"required,max=128"`
	AuthMode               AuthMode `json:"auth_mode" yaml:"auth_mode" validate:"required,oneof=password integrated interactive"`
	Username               string   `json:"username,omitempty" yaml:"username,omitempty" validate:"required_if=AuthMode password,required_if=AuthMode interactive"`
	TrustServerCertificate bool     `json:"trust_server_certificate" yaml:"trust_server_certificate"`
}

// DefaultRemotePort is the PostgreSQL listener port.
const DefaultRemotePort = 5432

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func profileValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate reports the first invalid field as a ValidationError.
func (p ConnectionProfile) Validate() error {
	err := profileValidator().Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return NewError(KindValidation, "validate profile", p.Host, fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))).
			WithHint("correct the connection profile fields listed above")
	}
	return NewError(KindValidation, "validate profile", p.Host, err)
}

// Identity is the key under which sessions for this profile are cached.
func (p ConnectionProfile) Identity() string {
	return fmt.Sprintf("%s:%d/%s/%s/%s", strings.ToLower(p.Host), p.Port, p.Database, p.AuthMode, strings.ToLower(p.Username))
}

func (p ConnectionProfile) String() string { return p.Identity() }

// Credentials carries a per-session secret. It never leaves memory and
// never prints.
type Credentials struct {
	Password string
}

func (c Credentials) String() string {
	if c.Password == "" {
		return "Credentials{}"
	}
	return "Credentials{password:***}"
}

// GoString keeps %#v from printing the secret.
func (c Credentials) GoString() string { return c.String() }

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value { return slog.StringValue(c.String()) }

// ConnectionState is the runtime state of a project's backend connection.
type ConnectionState int

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateDegradedReadOnly
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegradedReadOnly:
		return "degraded-read-only"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name written by MarshalText.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	for _, c := range []ConnectionState{StateDisconnected, StateConnected, StateDegradedReadOnly, StateFailed} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// CanRead reports whether reads may be attempted in this state.
func (s ConnectionState) CanRead() bool {
	return s == StateConnected || s == StateDegradedReadOnly
}

// CanWrite reports whether writes may be attempted in this state.
func (s ConnectionState) CanWrite() bool { return s == StateConnected }
