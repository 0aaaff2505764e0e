// ABOUTME: Configuration loading and parsing for support-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength mirrors the verifier's minimum HS256 secret length.
const MinJWTSecretLength = 32

// Defaults for unset relay settings.
const (
	DefaultOutboundBuffer   = 256
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultMaxMessageBytes  = 64 * 1024
	DefaultMaxTextLength    = 4000
	DefaultReplayTTL        = 5 * time.Minute
	DefaultReplayMaxEntries = 100_000
)

// Config represents the complete support-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds archive configuration. An empty Path keeps all state
// in memory for the process lifetime.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty JWTSecret
// disables agent authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RelayConfig holds transport and relay tuning
type RelayConfig struct {
	OutboundBuffer   int      `yaml:"outbound_buffer" toml:"outbound_buffer"`
	MaxMessageBytes  int64    `yaml:"max_message_bytes" toml:"max_message_bytes"`
	MaxTextLength    int      `yaml:"max_text_length" toml:"max_text_length"`
	ReplayMaxEntries int      `yaml:"replay_max_entries" toml:"replay_max_entries"`
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`

	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`
	ReplayTTL    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	ReplayTTLRaw    string `yaml:"replay_ttl" toml:"replay_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// SUPPORT_RELAY_DB_PATH, when set, overrides database.path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes configuration data in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if dbPath := os.Getenv("SUPPORT_RELAY_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config file location.
// Priority: SUPPORT_RELAY_CONFIG env var > XDG_CONFIG_HOME/support-relay/relay.yaml > ~/.config/support-relay/relay.yaml
func DefaultPath() string {
	if p := os.Getenv("SUPPORT_RELAY_CONFIG"); p != "" {
		return p
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "support-relay", "relay.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset relay and logging settings.
func (c *Config) applyDefaults() {
	r := &c.Relay
	if r.OutboundBuffer == 0 {
		r.OutboundBuffer = DefaultOutboundBuffer
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = DefaultWriteTimeout
	}
	if r.PingInterval == 0 {
		r.PingInterval = DefaultPingInterval
	}
	if r.MaxMessageBytes == 0 {
		r.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if r.MaxTextLength == 0 {
		r.MaxTextLength = DefaultMaxTextLength
	}
	if r.ReplayTTL == 0 {
		r.ReplayTTL = DefaultReplayTTL
	}
	if r.ReplayMaxEntries == 0 {
		r.ReplayMaxEntries = DefaultReplayMaxEntries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	r := c.Relay
	if r.OutboundBuffer < 0 {
		return fmt.Errorf("relay.outbound_buffer must not be negative")
	}
	if r.MaxMessageBytes < 0 {
		return fmt.Errorf("relay.max_message_bytes must not be negative")
	}
	if r.MaxTextLength < 0 {
		return fmt.Errorf("relay.max_text_length must not be negative")
	}
	if r.ReplayMaxEntries < 0 {
		return fmt.Errorf("relay.replay_max_entries must not be negative")
	}
	if r.WriteTimeout < 0 || r.PingInterval < 0 || r.ReplayTTL < 0 {
		return fmt.Errorf("relay durations must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"write_timeout", cfg.Relay.WriteTimeoutRaw, &cfg.Relay.WriteTimeout},
		{"ping_interval", cfg.Relay.PingIntervalRaw, &cfg.Relay.PingInterval},
		{"replay_ttl", cfg.Relay.ReplayTTLRaw, &cfg.Relay.ReplayTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Starter is the configuration written by "support-relay init".
const Starter = `# support-relay configuration
server:
  http_addr: "127.0.0.1:8080"
  # gRPC health service; leave empty to disable
  grpc_addr: "127.0.0.1:50051"

database:
  # SQLite archive; leave empty to keep conversations in memory only
  path: "${HOME}/.local/share/support-relay/relay.db"

auth:
  # Agents must present a token from "support-relay token" when set
  jwt_secret: "${SUPPORT_RELAY_JWT_SECRET}"

relay:
  outbound_buffer: 256
  write_timeout: "10s"
  ping_interval: "30s"
  max_message_bytes: 65536
  max_text_length: 4000
  replay_ttl: "5m"
  replay_max_entries: 100000
  allowed_origins: []

logging:
  level: "info"
  format: "text"
`
