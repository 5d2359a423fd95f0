// Package myriad is a pure-Go MySQL client: it speaks the client/server wire
// protocol directly and pools connections behind a lock-free bag with a
// circuit breaker in front.
package myriad

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/myriadb/myriad/internal/auth"
	"github.com/myriadb/myriad/internal/sqlerr"
)

// SSLMode selects how the connection is secured.
type SSLMode string

const (
	// SSLNone disables TLS.
	SSLNone SSLMode = "none"
	// SSLTrusted enables TLS and accepts whatever certificate the server
	// presents.
	SSLTrusted SSLMode = "trusted"
	// SSLCustom enables TLS with the caller-supplied tls.Config.
	SSLCustom SSLMode = "custom"
)

// SocketOptions are hints applied to the TCP socket before the handshake.
type SocketOptions struct {
	NoDelay          bool          `yaml:"no_delay"`
	KeepAlive        bool          `yaml:"keep_alive"`
	KeepAlivePeriod  time.Duration `yaml:"keep_alive_period"`
	ReceiveBufferSize int          `yaml:"receive_buffer_size"`
	SendBufferSize    int          `yaml:"send_buffer_size"`
}

// Config holds every data source option. The zero value plus Host/User is a
// working configuration; ApplyDefaults fills the documented defaults.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	SSL       SSLMode     `yaml:"ssl"`
	TLSConfig *tls.Config `yaml:"-"`

	SocketOptions SocketOptions `yaml:"socket_options"`

	// ReadTimeout bounds each socket read. Zero means unbounded.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// AllowPublicKeyRetrieval permits requesting the server's RSA key over a
	// cleartext transport for the SHA-256 plugin family.
	AllowPublicKeyRetrieval bool `yaml:"allow_public_key_retrieval"`

	// ConnectionTimeout bounds pool acquisition.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxLifetime       time.Duration `yaml:"max_lifetime"`
	KeepaliveTime     time.Duration `yaml:"keepalive_time"`
	ValidationTimeout time.Duration `yaml:"validation_timeout"`
	// AliveBypassWindow skips the pre-checkout probe for recently used
	// connections.
	AliveBypassWindow time.Duration `yaml:"alive_bypass_window"`
	MinConnections    int           `yaml:"min_connections"`
	MaxConnections    int           `yaml:"max_connections"`
	// LeakDetectionThreshold flags reservations held this long. Zero
	// disables leak detection.
	LeakDetectionThreshold time.Duration `yaml:"leak_detection_threshold"`
	MaintenanceInterval    time.Duration `yaml:"maintenance_interval"`
	AdaptiveSizing         bool          `yaml:"adaptive_sizing"`
	AdaptiveInterval       time.Duration `yaml:"adaptive_interval"`

	// ConnectionTestQuery replaces COM_PING for validation probes.
	ConnectionTestQuery string `yaml:"connection_test_query"`

	// Breaker tunes the circuit breaker wrapped around acquisition.
	Breaker BreakerConfig `yaml:"breaker"`

	// DebugAddr, when set, serves pool stats and Prometheus metrics over
	// HTTP (e.g. "127.0.0.1:9213").
	DebugAddr string `yaml:"debug_addr"`

	// Plugins is the ordered authentication plugin list; empty means the
	// four built-ins.
	Plugins []AuthPlugin `yaml:"-"`

	// Hooks run at the reservation boundaries. Before runs right after a
	// connection is reserved; a failure aborts the acquisition and evicts
	// the connection. After runs right before release; a failure evicts but
	// still frees the slot.
	Hooks ConnectionHooks `yaml:"-"`

	// Dialer overrides socket creation (the async-socket seam). Nil uses
	// the TCP dialer honouring SocketOptions.
	Dialer Dialer `yaml:"-"`

	// Tracer receives lifecycle events. Nil means no tracing.
	Tracer Tracer `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// BreakerConfig tunes the acquisition circuit breaker.
type BreakerConfig struct {
	MaxFailures              int           `yaml:"max_failures"`
	ResetTimeout             time.Duration `yaml:"reset_timeout"`
	ExponentialBackoffFactor float64       `yaml:"exponential_backoff_factor"`
	MaxResetTimeout          time.Duration `yaml:"max_reset_timeout"`
}

// AuthPlugin is the authentication capability set: a server-recognised name,
// a confidentiality requirement, and a pure scramble function.
type AuthPlugin = auth.Plugin

// ConnectionInfo identifies a pooled connection to hook callbacks.
type ConnectionInfo struct {
	ID            uint64
	ThreadID      uint32
	ServerVersion string
}

// ConnectionHooks are the optional reservation-boundary callbacks. Before's
// result is handed to After unchanged.
type ConnectionHooks struct {
	Before func(info ConnectionInfo) (any, error)
	After  func(hookCtx any, info ConnectionInfo) error
}

// ApplyDefaults fills unset options with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.SSL == "" {
		c.SSL = SSLNone
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = 5 * time.Second
	}
	if c.AliveBypassWindow == 0 {
		c.AliveBypassWindow = 500 * time.Millisecond
	}
	if c.MinConnections == 0 {
		c.MinConnections = 5
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.AdaptiveInterval == 0 {
		c.AdaptiveInterval = time.Minute
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.Breaker.ExponentialBackoffFactor == 0 {
		c.Breaker.ExponentialBackoffFactor = 2.0
	}
	if c.Breaker.MaxResetTimeout == 0 {
		c.Breaker.MaxResetTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate rejects configurations that could never connect, before any
// socket work.
func (c *Config) Validate() error {
	if c.Host == "" {
		return sqlerr.New(sqlerr.KindConfiguration, "host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return sqlerr.New(sqlerr.KindConfiguration, "port %d out of range 1..65535", c.Port)
	}
	if c.User == "" {
		return sqlerr.New(sqlerr.KindConfiguration, "user must not be empty")
	}
	switch c.SSL {
	case SSLNone, SSLTrusted:
	case SSLCustom:
		if c.TLSConfig == nil {
			return sqlerr.New(sqlerr.KindConfiguration, "ssl mode custom requires TLSConfig")
		}
	default:
		return sqlerr.New(sqlerr.KindConfiguration, "unknown ssl mode %q", c.SSL)
	}
	if c.MinConnections < 0 || c.MaxConnections < 1 {
		return sqlerr.New(sqlerr.KindConfiguration,
			"connection bounds %d/%d invalid", c.MinConnections, c.MaxConnections)
	}
	if c.MinConnections > c.MaxConnections {
		return sqlerr.New(sqlerr.KindConfiguration,
			"min_connections %d exceeds max_connections %d", c.MinConnections, c.MaxConnections)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"read_timeout", c.ReadTimeout},
		{"connection_timeout", c.ConnectionTimeout},
		{"idle_timeout", c.IdleTimeout},
		{"max_lifetime", c.MaxLifetime},
		{"keepalive_time", c.KeepaliveTime},
		{"validation_timeout", c.ValidationTimeout},
		{"alive_bypass_window", c.AliveBypassWindow},
		{"leak_detection_threshold", c.LeakDetectionThreshold},
		{"maintenance_interval", c.MaintenanceInterval},
		{"adaptive_interval", c.AdaptiveInterval},
	} {
		if d.v < 0 {
			return sqlerr.New(sqlerr.KindConfiguration, "%s must not be negative", d.name)
		}
	}
	return nil
}

// tlsConfig resolves the effective TLS setup, nil when disabled.
func (c *Config) tlsConfig() *tls.Config {
	switch c.SSL {
	case SSLTrusted:
		return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // trusted mode accepts any server cert by contract
	case SSLCustom:
		return c.TLSConfig
	default:
		return nil
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// LoadConfig reads a YAML config file with env var substitution, applies
// defaults and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, sqlerr.Wrap(sqlerr.KindConfiguration, err, "parsing config file")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
