// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion and validation

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
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "127.0.0.1:6000"
  http_addr: "127.0.0.1:6001"

database:
  path: "./test.db"

planner:
  arena_height: 1000
  agent_diameter: 50
  mapf_solver: "PrioritizedPlanningSolver"
  goal_assigner: "GreedyGoalAssigner"
  time_limit: "2s"
  lookup_timeout: "250ms"
  ignored_frames: ["mocap", "camera"]

manager:
  retry_rate: 5
  retry_burst: 2

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.Server.GRPCAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, 1000.0, cfg.Planner.ArenaHeight)
	assert.Equal(t, 600.0, cfg.Planner.ArenaWidth, "unset fields keep defaults")
	assert.Equal(t, "PrioritizedPlanningSolver", cfg.Planner.MAPFSolver)
	assert.Equal(t, 2*time.Second, cfg.Planner.TimeLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Planner.LookupTimeout)
	assert.Equal(t, []string{"mocap", "camera"}, cfg.Planner.IgnoredFrames)
	assert.Equal(t, 5.0, cfg.Manager.RetryRate)
	assert.Equal(t, 10*time.Minute, cfg.Manager.IdempotencyTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)

	p := cfg.PlannerSettings()
	assert.Equal(t, 50.0, p.AgentDiameter)
	assert.Equal(t, "GreedyGoalAssigner", p.GoalAssigner)
	assert.Equal(t, 2*time.Second, p.TimeLimit)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
grpc_addr = "127.0.0.1:7000"
http_addr = "127.0.0.1:7001"

[planner]
arena_frame = "field"
lookup_timeout = "1s"

[metrics]
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.GRPCAddr)
	assert.Equal(t, "field", cfg.Planner.ArenaFrame)
	assert.Equal(t, "world", cfg.Planner.WorldFrame)
	assert.Equal(t, time.Second, cfg.Planner.LookupTimeout)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_ARENA_SECRET", strings.Repeat("s", 32))
	t.Setenv("TEST_ARENA_DB", "/tmp/arena-test.db")

	path := writeConfig(t, "gateway.yaml", `
database:
  path: "${TEST_ARENA_DB}"
auth:
  jwt_secret: "${TEST_ARENA_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/arena-test.db", cfg.Database.Path)
	assert.Len(t, cfg.Auth.JWTSecret, 32)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "planner:\n  time_limit: \"soon\"\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "time_limit")
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"empty grpc addr", "server:\n  grpc_addr: \"\"\n", "server.grpc_addr"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n  hostname: \"\"\n", "tailscale.hostname"},
		{"short secret", "auth:\n  jwt_secret: \"short\"\n", "jwt_secret"},
		{"zero diameter", "planner:\n  agent_diameter: 0\n", "agent_diameter"},
		{"arena too small", "planner:\n  arena_width: 50\n", "must fit"},
		{"unknown solver", "planner:\n  mapf_solver: \"DictCBS\"\n", "mapf_solver"},
		{"unknown assigner", "planner:\n  goal_assigner: \"Hungarian\"\n", "goal_assigner"},
		{"negative retry rate", "manager:\n  retry_rate: -1\n", "retry_rate"},
		{"bad log level", "logging:\n  level: \"loud\"\n", "logging.level"},
		{"bad log format", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"bad metrics path", "metrics:\n  path: \"metrics\"\n", "metrics.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content, "yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_TailscaleWithoutAddrs(t *testing.T) {
	cfg, err := Parse(`
server:
  grpc_addr: ""
  http_addr: ""
tailscale:
  enabled: true
`, "yaml")
	require.NoError(t, err)
	assert.Equal(t, "arena-gateway", cfg.Tailscale.Hostname)
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := Parse("", "ini")
	assert.ErrorContains(t, err, "unsupported")
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	for _, name := range []string{"gateway.yaml", "gateway.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, WriteDefault(path))

			cfg, err := Load(path)
			require.NoError(t, err)
			want := Default()
			assert.Equal(t, want.Planner, cfg.Planner)
			assert.Equal(t, want.Server, cfg.Server)
			assert.Equal(t, want.Manager, cfg.Manager)

			assert.ErrorContains(t, WriteDefault(path), "already exists")
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/arena/custom.toml")
	assert.Equal(t, "/etc/arena/custom.toml", Path())

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "arena", "gateway.yaml"), Path())
}

func TestDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	assert.Equal(t, filepath.Join("/data", "arena"), DataDir())
}
