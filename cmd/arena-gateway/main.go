// ABOUTME: Entry point for arena-gateway, the multi-agent coordination server
// ABOUTME: Subcommands serve the coordinator, write a config, mint tokens and query a running gateway

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/config"
	"github.com/2389/arena-gateway/internal/gateway"
	"github.com/2389/arena-gateway/internal/logging"
	"github.com/2389/arena-gateway/internal/manager"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   __ _ _ __ ___ _ __   __ _        __ _  __ _| |_ _____      ____ _ _   _
  / _' | '__/ _ \ '_ \ / _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | (_| | | |  __/ | | | (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \__,_|_|  \___|_| |_|\__,_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                   |___/                             |___/
`

func usage() {
	fmt.Println("Usage: arena-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the gateway server")
	fmt.Println("  init [path]                        Write a default config file")
	fmt.Println("  health                             Check gateway liveness and readiness")
	fmt.Println("  state                              Print the manager state")
	fmt.Println("  token -sub ID [-role R] [-ttl D]   Mint a bearer token")
	fmt.Println()
	fmt.Printf("The config file is read from $%s or %s\n", config.EnvConfigPath, config.Path())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "state":
		err = runState(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when none exists.
func loadConfig() (*config.Config, string, error) {
	path := config.Path()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), path + " (defaults)", nil
	}
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Planner:   %s + %s\n", cfg.Planner.GoalAssigner, cfg.Planner.MAPFSolver)
	green.Print("    ▶ ")
	if cfg.Database.Path == "" {
		fmt.Print("Ledger:    ")
		yellow.Println("disabled")
	} else {
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Print("Auth:      ")
		yellow.Println("disabled (anonymous operator)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting arena-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runInit(args []string) error {
	path := config.Path()
	if len(args) > 0 {
		path = args[0]
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", path)
	fmt.Println()
	fmt.Println("  Set auth.jwt_secret to require bearer tokens, then start the server:")
	fmt.Println("    arena-gateway serve")
	return nil
}

// getURL fetches path from the configured HTTP address.
func getURL(ctx context.Context, cfg *config.Config, path string) (int, []byte, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if token := os.Getenv("ARENA_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	status, _, err := getURL(ctx, cfg, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	status, body, err := getURL(ctx, cfg, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	if status != http.StatusOK {
		color.Yellow("alive, not ready: %s", body)
		return nil
	}
	color.Green("healthy: %s", body)
	return nil
}

func runState(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	status, body, err := getURL(ctx, cfg, "/api/state")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, body)
	}

	var state manager.State
	if err := json.Unmarshal(body, &state); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("Unassigned agents (%d)\n", len(state.UnassignedAgents))
	for _, id := range state.UnassignedAgents {
		fmt.Printf("  %s\n", id)
	}
	cyan.Printf("Unassigned goals (%d)\n", len(state.UnassignedGoals))
	for _, g := range state.UnassignedGoals {
		fmt.Printf("  %s\n", g)
	}
	cyan.Printf("Assigned goals (%d)\n", len(state.AssignedGoals))
	for _, ag := range state.AssignedGoals {
		fmt.Printf("  %-10s %s\n", ag.AgentID, ag.Pos)
	}
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject (agent id for agent tokens)")
	role := fs.String("role", auth.RoleAgent, "token role (agent or operator)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return fmt.Errorf("-sub is required")
	}
	if !auth.ValidRole(*role) {
		return fmt.Errorf("unknown role %q", *role)
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*sub, *role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
