// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "agency.yaml", `
server:
  agent_addr: "127.0.0.1:7000"
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:8081"

agents:
  executable: "/opt/agent"
  trace: "Verbose"
  work_dir: "/srv/work"
  launch_timeout: "45s"
  stop_timeout: "2s"
  handshake_timeout: "500ms"

database:
  path: "./agents.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.AgentAddr)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "0.0.0.0:8081", cfg.Server.GRPCAddr)
	assert.Equal(t, "/opt/agent", cfg.Agents.Executable)
	assert.Equal(t, "Verbose", cfg.Agents.Trace)
	assert.Equal(t, "/srv/work", cfg.Agents.WorkDir)
	assert.Equal(t, 45*time.Second, cfg.Agents.LaunchTimeout)
	assert.Equal(t, 2*time.Second, cfg.Agents.StopTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Agents.HandshakeTimeout)
	assert.Equal(t, "./agents.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/prom", cfg.Metrics.Path)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "agency.toml", `
[server]
agent_addr = "127.0.0.1:7100"

[agents]
executable = "/opt/agent"
stop_timeout = "3s"

[database]
path = "/tmp/agents.db"

[metrics]
enabled = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7100", cfg.Server.AgentAddr)
	assert.Equal(t, "/opt/agent", cfg.Agents.Executable)
	assert.Equal(t, 3*time.Second, cfg.Agents.StopTimeout)
	assert.Equal(t, "/tmp/agents.db", cfg.Database.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "empty.yaml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultAgentAddr, cfg.Server.AgentAddr)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, DefaultLaunchTimeout, cfg.Agents.LaunchTimeout)
	assert.Equal(t, DefaultStopTimeout, cfg.Agents.StopTimeout)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Agents.HandshakeTimeout)
	assert.Equal(t, "Off", cfg.Agents.Trace)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Equal(t, cfg, Default())
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TC_TEST_DATA", "/data/tc")
	t.Setenv("TC_TEST_AGENT", "/bin/tc-agent")

	cfg, err := Load(writeConfig(t, "env.yaml", `
agents:
  executable: "${TC_TEST_AGENT}"
database:
  path: "${TC_TEST_DATA}/agents.db"
logging:
  level: "${TC_TEST_UNSET}"
`))
	require.NoError(t, err)

	assert.Equal(t, "/bin/tc-agent", cfg.Agents.Executable)
	assert.Equal(t, "/data/tc/agents.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{name: "bad yaml", file: "c.yaml", content: "server: [", want: "parsing config file"},
		{name: "bad toml", file: "c.toml", content: "[server", want: "parsing config file"},
		{name: "bad duration", file: "c.yaml", content: "agents:\n  stop_timeout: soon\n", want: "stop_timeout"},
		{name: "negative duration", file: "c.yaml", content: "agents:\n  launch_timeout: -1s\n", want: "negative"},
		{name: "bad trace", file: "c.yaml", content: "agents:\n  trace: Loud\n", want: "agents.trace"},
		{name: "bad format", file: "c.yaml", content: "logging:\n  format: xml\n", want: "logging.format"},
		{name: "bad metrics path", file: "c.yaml", content: "metrics:\n  path: metrics\n", want: "metrics.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TC_A", "alpha")
	assert.Equal(t, "x-alpha-y-", expandEnvVars("x-${TC_A}-y-${TC_NOT_SET_ANYWHERE}"))
	assert.Equal(t, "$TC_A", expandEnvVars("$TC_A"))
}
