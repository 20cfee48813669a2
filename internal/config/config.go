// ABOUTME: Configuration loading and parsing for arena-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/arena-gateway/internal/assign"
	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/mapf"
	"github.com/2389/arena-gateway/internal/planner"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "ARENA_CONFIG"

// Config represents the complete arena-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Planner   PlannerConfig   `yaml:"planner" toml:"planner"`
	Manager   ManagerConfig   `yaml:"manager" toml:"manager"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Path of the SQLite ledger; empty disables persistence.
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer token auth when set.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// PlannerConfig holds arena geometry and algorithm choices
type PlannerConfig struct {
	ArenaFrame    string   `yaml:"arena_frame" toml:"arena_frame"`
	WorldFrame    string   `yaml:"world_frame" toml:"world_frame"`
	ArenaHeight   float64  `yaml:"arena_height" toml:"arena_height"`
	ArenaWidth    float64  `yaml:"arena_width" toml:"arena_width"`
	AgentDiameter float64  `yaml:"agent_diameter" toml:"agent_diameter"`
	MAPFSolver    string   `yaml:"mapf_solver" toml:"mapf_solver"`
	GoalAssigner  string   `yaml:"goal_assigner" toml:"goal_assigner"`
	IgnoredFrames []string `yaml:"ignored_frames" toml:"ignored_frames"`
	MaxExpansions int      `yaml:"max_expansions" toml:"max_expansions"`

	TimeLimit     time.Duration `yaml:"-" toml:"-"`
	LookupTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeLimitRaw     string `yaml:"time_limit" toml:"time_limit"`
	LookupTimeoutRaw string `yaml:"lookup_timeout" toml:"lookup_timeout"`
}

// ManagerConfig holds request throttling and goal idempotency settings
type ManagerConfig struct {
	// RetryRate is the per-agent request rate in requests/second; 0 disables RETRY throttling.
	RetryRate  float64 `yaml:"retry_rate" toml:"retry_rate"`
	RetryBurst int     `yaml:"retry_burst" toml:"retry_burst"`

	IdempotencyTTL    time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTLRaw string        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the stock configuration. Durations are set in both raw and parsed form.
func Default() *Config {
	p := planner.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			GRPCAddr: "0.0.0.0:50051",
			HTTPAddr: "0.0.0.0:8080",
		},
		Tailscale: TailscaleConfig{
			Hostname: "arena-gateway",
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DataDir(), "arena.db"),
		},
		Planner: PlannerConfig{
			ArenaFrame:       p.ArenaFrame,
			WorldFrame:       p.WorldFrame,
			ArenaHeight:      p.ArenaHeight,
			ArenaWidth:       p.ArenaWidth,
			AgentDiameter:    p.AgentDiameter,
			MAPFSolver:       p.MAPFSolver,
			GoalAssigner:     p.GoalAssigner,
			IgnoredFrames:    slices.Clone(p.IgnoredFrames),
			LookupTimeout:    p.LookupTimeout,
			TimeLimitRaw:     "0s",
			LookupTimeoutRaw: p.LookupTimeout.String(),
		},
		Manager: ManagerConfig{
			RetryBurst:        1,
			IdempotencyTTL:    10 * time.Minute,
			IdempotencyTTLRaw: "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Fields missing from the file keep their Default values.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatOf(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes already-expanded configuration text in the given format ("yaml" or "toml").
func Parse(content, format string) (*Config, error) {
	cfg := Default()
	switch format {
	case "toml":
		if _, err := toml.Decode(content, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	p := c.Planner
	if p.ArenaFrame == "" || p.WorldFrame == "" {
		return fmt.Errorf("planner.arena_frame and planner.world_frame are required")
	}
	if p.AgentDiameter <= 0 {
		return fmt.Errorf("planner.agent_diameter must be positive")
	}
	if p.ArenaHeight < p.AgentDiameter || p.ArenaWidth < p.AgentDiameter {
		return fmt.Errorf("planner arena (%gx%g) must fit at least one agent of diameter %g",
			p.ArenaWidth, p.ArenaHeight, p.AgentDiameter)
	}
	if !slices.Contains(mapf.Names(), p.MAPFSolver) {
		return fmt.Errorf("planner.mapf_solver %q is not one of %v", p.MAPFSolver, mapf.Names())
	}
	if !slices.Contains(assign.Names(), p.GoalAssigner) {
		return fmt.Errorf("planner.goal_assigner %q is not one of %v", p.GoalAssigner, assign.Names())
	}
	if p.MaxExpansions < 0 {
		return fmt.Errorf("planner.max_expansions must not be negative")
	}

	if c.Manager.RetryRate < 0 {
		return fmt.Errorf("manager.retry_rate must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

func parseDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if err := parseDuration("time_limit", cfg.Planner.TimeLimitRaw, &cfg.Planner.TimeLimit); err != nil {
		return err
	}
	if err := parseDuration("lookup_timeout", cfg.Planner.LookupTimeoutRaw, &cfg.Planner.LookupTimeout); err != nil {
		return err
	}
	return parseDuration("idempotency_ttl", cfg.Manager.IdempotencyTTLRaw, &cfg.Manager.IdempotencyTTL)
}

// PlannerSettings converts the planner section to planner.Config.
func (c *Config) PlannerSettings() planner.Config {
	p := c.Planner
	return planner.Config{
		ArenaFrame:    p.ArenaFrame,
		WorldFrame:    p.WorldFrame,
		ArenaHeight:   p.ArenaHeight,
		ArenaWidth:    p.ArenaWidth,
		AgentDiameter: p.AgentDiameter,
		MAPFSolver:    p.MAPFSolver,
		GoalAssigner:  p.GoalAssigner,
		TimeLimit:     p.TimeLimit,
		LookupTimeout: p.LookupTimeout,
		IgnoredFrames: slices.Clone(p.IgnoredFrames),
		MaxExpansions: p.MaxExpansions,
	}
}

// Encode renders cfg in the given format ("yaml" or "toml").
func Encode(cfg *Config, format string) ([]byte, error) {
	switch format {
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		return buf.Bytes(), nil
	case "yaml", "":
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

// WriteDefault writes the default configuration to path, creating parent
// directories. The format follows the file extension. Existing files are not overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	out, err := Encode(Default(), formatOf(path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Path returns the path to the gateway config file.
// Priority: ARENA_CONFIG env var > XDG_CONFIG_HOME/arena/gateway.yaml > ~/.config/arena/gateway.yaml
func Path() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "arena", "gateway.yaml")
}

// DataDir returns the arena data directory.
// Priority: XDG_DATA_HOME/arena > ~/.local/share/arena
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "arena")
}
