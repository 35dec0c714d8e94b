// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "broker.yaml", `
broker:
  host: "127.0.0.1"
  ports: [20001, 20002]

instances:
  heartbeat_interval: "5s"
  stale_after: "20s"
  start_timeout: "15s"
  stop_timeout: "12s"
  poll_interval: "100ms"
  agent_command: "my-agent"
  agent_args: ["serve", "--quiet"]
  api_prefix: "/agent"

database:
  path: "./events.db"

auth:
  control_key_path: "./control.key"
  control_token_ttl: "2m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Broker.Host)
	assert.Equal(t, []int{20001, 20002}, cfg.Broker.Ports)
	assert.Equal(t, 5*time.Second, cfg.Instances.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, cfg.Instances.StaleAfter)
	assert.Equal(t, 15*time.Second, cfg.Instances.StartTimeout)
	assert.Equal(t, 12*time.Second, cfg.Instances.StopTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Instances.PollInterval)
	assert.Equal(t, "my-agent", cfg.Instances.AgentCommand)
	assert.Equal(t, []string{"serve", "--quiet"}, cfg.Instances.AgentArgs)
	assert.Equal(t, "/agent", cfg.Instances.APIPrefix)
	assert.Equal(t, "./events.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Minute, cfg.Auth.ControlTokenTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "broker.toml", `
[broker]
host = "127.0.0.1"
ports = [21001]

[instances]
heartbeat_interval = "2s"
stale_after = "6s"

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []int{21001}, cfg.Broker.Ports)
	assert.Equal(t, 2*time.Second, cfg.Instances.HeartbeatInterval)
	assert.Equal(t, 6*time.Second, cfg.Instances.StaleAfter)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// untouched sections keep defaults
	assert.Equal(t, "opencode", cfg.Instances.AgentCommand)
	assert.Equal(t, 10*time.Second, cfg.Instances.StartTimeout)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "broker.yaml", `
logging:
  level: "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultPorts, cfg.Broker.Ports)
	assert.Equal(t, 10*time.Second, cfg.Instances.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Instances.StaleAfter)
	assert.Equal(t, 200*time.Millisecond, cfg.Instances.PollInterval)
	assert.Equal(t, "/api", cfg.Instances.APIPrefix)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_OPENCODE_AGENT", "/opt/agent/bin/opencode")

	path := writeConfig(t, "broker.yaml", `
instances:
  agent_command: "${TEST_OPENCODE_AGENT}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/agent/bin/opencode", cfg.Instances.AgentCommand)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "broker.yaml", `
instances:
  heartbeat_interval: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadDefault_NoFile(t *testing.T) {
	t.Setenv("OPENCODE_WEB_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadDefault()
	require.NoError(t, err)
	assert.Equal(t, LoopbackHost, cfg.Broker.Host)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"localhost allowed", func(c *Config) { c.Broker.Host = "localhost" }, ""},
		{"ipv6 loopback allowed", func(c *Config) { c.Broker.Host = "::1" }, ""},
		{"routable host rejected", func(c *Config) { c.Broker.Host = "0.0.0.0" }, "loopback"},
		{"lan host rejected", func(c *Config) { c.Broker.Host = "192.168.1.10" }, "loopback"},
		{"empty ports", func(c *Config) { c.Broker.Ports = nil }, "at least one"},
		{"port out of range", func(c *Config) { c.Broker.Ports = []int{70000} }, "out of range"},
		{"stale too close to heartbeat", func(c *Config) {
			c.Instances.HeartbeatInterval = 10 * time.Second
			c.Instances.StaleAfter = 15 * time.Second
		}, "twice"},
		{"zero poll interval", func(c *Config) { c.Instances.PollInterval = 0 }, "poll_interval"},
		{"missing agent command", func(c *Config) { c.Instances.AgentCommand = "" }, "agent_command"},
		{"relative api prefix", func(c *Config) { c.Instances.APIPrefix = "api" }, "api_prefix"},
		{"root api prefix", func(c *Config) { c.Instances.APIPrefix = "/" }, "root path"},
		{"api prefix over health", func(c *Config) { c.Instances.APIPrefix = "/health" }, "control path"},
		{"api prefix over shutdown", func(c *Config) { c.Instances.APIPrefix = "/__shutdown/" }, "control path"},
		{"trailing slash prefix allowed", func(c *Config) { c.Instances.APIPrefix = "/api/" }, ""},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestPath_EnvOverride(t *testing.T) {
	t.Setenv("OPENCODE_WEB_CONFIG", "/tmp/custom.yaml")
	assert.Equal(t, "/tmp/custom.yaml", Path())
}

func TestPath_XDG(t *testing.T) {
	t.Setenv("OPENCODE_WEB_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "opencode-web", "broker.yaml"), Path())
}

func TestDataDir_XDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdgdata")
	assert.Equal(t, filepath.Join("/xdgdata", "opencode-web"), DataDir())
}
