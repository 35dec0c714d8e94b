// ABOUTME: Configuration loading and parsing for the opencode-web broker
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ServiceName is the signature the broker advertises on GET /instances.
// Clients use it to tell our broker apart from an unrelated process on the same port.
const ServiceName = "opencode-web"

// Version is reported in the GET /instances payload.
const Version = "1.0.0"

// LoopbackHost is the only address the broker and instance proxies bind to.
const LoopbackHost = "127.0.0.1"

// DefaultPorts is the fixed candidate list shared with the browser UI.
// Both sides must keep it identical.
var DefaultPorts = []int{13943, 14839, 18503, 19304, 20197}

// Config represents the complete opencode-web configuration
type Config struct {
	Broker    BrokerConfig    `yaml:"broker" toml:"broker"`
	Instances InstancesConfig `yaml:"instances" toml:"instances"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// BrokerConfig holds the broker bind host and the candidate port list
type BrokerConfig struct {
	Host  string `yaml:"host" toml:"host"`
	Ports []int  `yaml:"ports" toml:"ports"`
}

// InstancesConfig holds instance timing and agent server launch configuration
type InstancesConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	StaleAfter        time.Duration `yaml:"-" toml:"-"`
	StartTimeout      time.Duration `yaml:"-" toml:"-"`
	StopTimeout       time.Duration `yaml:"-" toml:"-"`
	PollInterval      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML/TOML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	StaleAfterRaw        string `yaml:"stale_after" toml:"stale_after"`
	StartTimeoutRaw      string `yaml:"start_timeout" toml:"start_timeout"`
	StopTimeoutRaw       string `yaml:"stop_timeout" toml:"stop_timeout"`
	PollIntervalRaw      string `yaml:"poll_interval" toml:"poll_interval"`

	// AgentCommand is the agent server executable; AgentArgs are passed before "--port N".
	AgentCommand string   `yaml:"agent_command" toml:"agent_command"`
	AgentArgs    []string `yaml:"agent_args" toml:"agent_args"`

	// APIPrefix is the proxy path prefix forwarded to the agent server.
	APIPrefix string `yaml:"api_prefix" toml:"api_prefix"`
}

// DatabaseConfig holds the lifecycle audit log location.
// Path ":memory:" keeps the log in memory only.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds control endpoint token configuration
type AuthConfig struct {
	ControlKeyPath     string        `yaml:"control_key_path" toml:"control_key_path"`
	ControlTokenTTL    time.Duration `yaml:"-" toml:"-"`
	ControlTokenTTLRaw string        `yaml:"control_token_ttl" toml:"control_token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Dir    string `yaml:"dir" toml:"dir"`
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() *Config {
	dataDir := DataDir()
	return &Config{
		Broker: BrokerConfig{
			Host:  LoopbackHost,
			Ports: append([]int(nil), DefaultPorts...),
		},
		Instances: InstancesConfig{
			HeartbeatInterval: 10 * time.Second,
			StaleAfter:        30 * time.Second,
			StartTimeout:      10 * time.Second,
			StopTimeout:       10 * time.Second,
			PollInterval:      200 * time.Millisecond,
			AgentCommand:      "opencode",
			AgentArgs:         []string{"serve"},
			APIPrefix:         "/api",
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "broker.db"),
		},
		Auth: AuthConfig{
			ControlKeyPath:  filepath.Join(dataDir, "control.key"),
			ControlTokenTTL: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    filepath.Join(dataDir, "logs"),
		},
	}
}

// Path returns the path to the broker config file.
// Priority: OPENCODE_WEB_CONFIG env var > XDG_CONFIG_HOME/opencode-web/broker.yaml > ~/.config/opencode-web/broker.yaml
func Path() string {
	if envPath := os.Getenv("OPENCODE_WEB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "broker.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "opencode-web", "broker.yaml")
}

// DataDir returns the opencode-web data directory.
// Priority: XDG_DATA_HOME/opencode-web > ~/.local/share/opencode-web
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "opencode-web")
}

// LoadDefault loads the config at Path(). A missing file yields Defaults().
func LoadDefault() (*Config, error) {
	path := Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Defaults()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Unset fields keep their Defaults() value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !IsLoopback(c.Broker.Host) {
		return fmt.Errorf("broker.host must be a loopback address, got %q", c.Broker.Host)
	}

	if len(c.Broker.Ports) == 0 {
		return fmt.Errorf("broker.ports must list at least one candidate port")
	}
	for _, p := range c.Broker.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("broker.ports: %d is out of range", p)
		}
	}

	in := c.Instances
	if in.HeartbeatInterval <= 0 {
		return fmt.Errorf("instances.heartbeat_interval must be positive")
	}
	// One or two missed heartbeats must not flip an instance offline.
	if in.StaleAfter < 2*in.HeartbeatInterval {
		return fmt.Errorf("instances.stale_after (%v) must be at least twice heartbeat_interval (%v)",
			in.StaleAfter, in.HeartbeatInterval)
	}
	if in.StartTimeout <= 0 || in.StopTimeout <= 0 {
		return fmt.Errorf("instances.start_timeout and stop_timeout must be positive")
	}
	if in.PollInterval <= 0 {
		return fmt.Errorf("instances.poll_interval must be positive")
	}
	if in.AgentCommand == "" {
		return fmt.Errorf("instances.agent_command is required")
	}
	if !strings.HasPrefix(in.APIPrefix, "/") {
		return fmt.Errorf("instances.api_prefix must start with /")
	}
	prefix := strings.TrimSuffix(in.APIPrefix, "/")
	if prefix == "" {
		return fmt.Errorf("instances.api_prefix must not be the root path")
	}
	for _, reserved := range proxyControlPaths {
		if reserved == prefix || strings.HasPrefix(reserved, prefix+"/") {
			return fmt.Errorf("instances.api_prefix %q covers the proxy control path %s", in.APIPrefix, reserved)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.ControlKeyPath == "" {
		return fmt.Errorf("auth.control_key_path is required")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// proxyControlPaths are served by the instance proxy itself and never forwarded.
var proxyControlPaths = []string{"/health", "/__shutdown"}

// IsLoopback reports whether host names the loopback interface.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Instances.HeartbeatIntervalRaw, &cfg.Instances.HeartbeatInterval},
		{"stale_after", cfg.Instances.StaleAfterRaw, &cfg.Instances.StaleAfter},
		{"start_timeout", cfg.Instances.StartTimeoutRaw, &cfg.Instances.StartTimeout},
		{"stop_timeout", cfg.Instances.StopTimeoutRaw, &cfg.Instances.StopTimeout},
		{"poll_interval", cfg.Instances.PollIntervalRaw, &cfg.Instances.PollInterval},
		{"control_token_ttl", cfg.Auth.ControlTokenTTLRaw, &cfg.Auth.ControlTokenTTL},
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
