// ABOUTME: Configuration loading and parsing for dbtunnel gateway and agent
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig represents the complete cloud-side configuration.
type GatewayConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig represents the complete on-premises agent configuration.
type AgentConfig struct {
	Gateway   GatewayEndpointConfig `yaml:"gateway"`
	LocalDB   LocalDBConfig         `yaml:"local_db"`
	Reconnect ReconnectConfig       `yaml:"reconnect"`
	Tunnel    TunnelConfig          `yaml:"tunnel"`
	Logging   LoggingConfig         `yaml:"logging"`
}

// ServerConfig holds the gateway's listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the gateway's token store location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration for the query API.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// GatewayEndpointConfig tells the agent where to connect and with what.
type GatewayEndpointConfig struct {
	URL   string `yaml:"url"`   // e.g. wss://gateway.example.com/api/gateway/ws
	Token string `yaml:"token"` // gw_ gateway token, usually ${DBTUNNEL_TOKEN}
}

// LocalDBConfig holds the agent's local database driver settings.
// The DSN stays on-premises; it is never sent over the tunnel.
type LocalDBConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "sqlite3"
	DSN    string `yaml:"dsn"`
}

// ReconnectConfig holds the agent's backoff settings.
type ReconnectConfig struct {
	MinBackoff time.Duration `yaml:"-"`
	MaxBackoff time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MinBackoffRaw string `yaml:"min_backoff"`
	MaxBackoffRaw string `yaml:"max_backoff"`
}

// TunnelConfig holds timing and sizing knobs shared by both sides.
type TunnelConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	StaleAfter        time.Duration `yaml:"-"`
	AuthTimeout       time.Duration `yaml:"-"`
	MaxMessageBytes   int           `yaml:"max_message_bytes"`
	MaxInFlight       int           `yaml:"max_in_flight"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	StaleAfterRaw        string `yaml:"stale_after"`
	AuthTimeoutRaw       string `yaml:"auth_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Tunnel timing defaults. The stale threshold is three heartbeat intervals.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultStaleAfter        = 45 * time.Second
	DefaultAuthTimeout       = 10 * time.Second
	DefaultMinBackoff        = 1 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
)

// LoadGateway reads and validates a gateway configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadGateway(path string) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	var err error
	cfg.Tunnel, err = parseTunnel(cfg.Tunnel)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	var err error
	cfg.Tunnel, err = parseTunnel(cfg.Tunnel)
	if err != nil {
		return nil, err
	}

	cfg.Reconnect.MinBackoff = DefaultMinBackoff
	if cfg.Reconnect.MinBackoffRaw != "" {
		cfg.Reconnect.MinBackoff, err = time.ParseDuration(cfg.Reconnect.MinBackoffRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing min_backoff %q: %w", cfg.Reconnect.MinBackoffRaw, err)
		}
	}
	cfg.Reconnect.MaxBackoff = DefaultMaxBackoff
	if cfg.Reconnect.MaxBackoffRaw != "" {
		cfg.Reconnect.MaxBackoff, err = time.ParseDuration(cfg.Reconnect.MaxBackoffRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing max_backoff %q: %w", cfg.Reconnect.MaxBackoffRaw, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// load reads a YAML file, expands ${VAR} references, and unmarshals into v.
func load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), v); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseTunnel converts raw tunnel duration strings and applies defaults.
func parseTunnel(t TunnelConfig) (TunnelConfig, error) {
	var err error

	t.HeartbeatInterval = DefaultHeartbeatInterval
	if t.HeartbeatIntervalRaw != "" {
		t.HeartbeatInterval, err = time.ParseDuration(t.HeartbeatIntervalRaw)
		if err != nil {
			return t, fmt.Errorf("parsing heartbeat_interval %q: %w", t.HeartbeatIntervalRaw, err)
		}
	}

	t.StaleAfter = DefaultStaleAfter
	if t.StaleAfterRaw != "" {
		t.StaleAfter, err = time.ParseDuration(t.StaleAfterRaw)
		if err != nil {
			return t, fmt.Errorf("parsing stale_after %q: %w", t.StaleAfterRaw, err)
		}
	}

	t.AuthTimeout = DefaultAuthTimeout
	if t.AuthTimeoutRaw != "" {
		t.AuthTimeout, err = time.ParseDuration(t.AuthTimeoutRaw)
		if err != nil {
			return t, fmt.Errorf("parsing auth_timeout %q: %w", t.AuthTimeoutRaw, err)
		}
	}

	return t, nil
}

// Validate checks required gateway fields.
func (c *GatewayConfig) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Tunnel.StaleAfter <= c.Tunnel.HeartbeatInterval {
		return fmt.Errorf("tunnel.stale_after must exceed tunnel.heartbeat_interval")
	}
	return nil
}

// Validate checks required agent fields.
func (c *AgentConfig) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Gateway.Token == "" {
		return fmt.Errorf("gateway.token is required")
	}
	if c.LocalDB.Driver == "" {
		return fmt.Errorf("local_db.driver is required")
	}
	if c.LocalDB.DSN == "" {
		return fmt.Errorf("local_db.dsn is required")
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.MinBackoff {
		return fmt.Errorf("reconnect.max_backoff must be >= reconnect.min_backoff")
	}
	return nil
}
