// ABOUTME: Simulation CLI that plays agents, goal sources and frame broadcasters against a gateway
// ABOUTME: Usage: arena-sim <agent|goal|frame|scenario> [-addr localhost:50051] [flags]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/arena-gateway/internal/agent"
	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/client"
	"github.com/2389/arena-gateway/internal/harness"
	"github.com/2389/arena-gateway/internal/logging"
)

func usage() {
	fmt.Println("Usage: arena-sim <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  agent     Run one agent: request a plan, follow it, report the goal reached")
	fmt.Println("  goal      Publish a single goal")
	fmt.Println("  frame     Broadcast a fixed frame until interrupted")
	fmt.Println("  scenario  Three agents, four goals and the arena frame on one gateway")
	fmt.Println()
	fmt.Println("Every command accepts -addr, -token (or $ARENA_TOKEN) and -log-level.")
}

type commonFlags struct {
	addr     string
	token    string
	logLevel string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.addr, "addr", "localhost:50051", "gateway gRPC address")
	fs.StringVar(&c.token, "token", os.Getenv("ARENA_TOKEN"), "bearer token")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level (debug/info/warn/error)")
}

func (c *commonFlags) dial(logger *slog.Logger, opts ...client.Option) (*client.Client, error) {
	opts = append(opts, client.WithLogger(logger))
	if c.token != "" {
		opts = append(opts, client.WithToken(c.token))
	}
	return client.Dial(c.addr, opts...)
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
	case "agent":
		err = runAgent(ctx, os.Args[2:])
	case "goal":
		err = runGoal(ctx, os.Args[2:])
	case "frame":
		err = runFrame(ctx, os.Args[2:])
	case "scenario":
		err = runScenario(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	common.register(fs)
	id := fs.String("id", "A_01", "agent id")
	step := fs.Duration("step", 200*time.Millisecond, "simulated time per waypoint")
	rounds := fs.Int("rounds", 0, "goals to reach before exiting (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, common.logLevel, "text")
	c, err := common.dial(logger, client.WithPathFilter(*id))
	if err != nil {
		return err
	}
	defer c.Close()

	return simulateAgent(ctx, c, *id, *step, *rounds, logger)
}

// simulateAgent requests a plan, walks its path and reports REACHED_GOAL,
// rounds times or until ctx ends.
func simulateAgent(ctx context.Context, c *client.Client, id string, step time.Duration, rounds int, logger *slog.Logger) error {
	exec := agent.NewExecutor(agent.Config{ID: id, Logger: logger}, c, c)
	if err := exec.Listen(ctx); err != nil {
		return err
	}
	if err := exec.WaitForService(ctx); err != nil {
		return err
	}

	msg := arena.RequestIdle
	for reached := 0; rounds == 0 || reached < rounds; {
		if _, err := exec.RequestAndWait(ctx, msg); err != nil {
			return err
		}
		path, found, err := exec.WaitForPath(ctx)
		if err != nil {
			return err
		}
		if !found || len(path.Path) == 0 {
			msg = arena.RequestIdle
			continue
		}

		for i, wp := range path.Path {
			select {
			case <-ctx.Done():
				_, _ = exec.RequestAndWait(context.WithoutCancel(ctx), arena.RequestAgentDisconnected)
				return ctx.Err()
			case <-time.After(step):
			}
			logger.Debug("moved", "agent_id", id, "waypoint", i, "x", wp.Translation.X, "z", wp.Translation.Z)
		}
		reached++
		color.Green("%s reached goal %d", id, reached)
		msg = arena.RequestReachedGoal
	}

	_, err := exec.RequestAndWait(ctx, arena.RequestAgentDisconnected)
	return err
}

func runGoal(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("goal", flag.ContinueOnError)
	common.register(fs)
	x := fs.Float64("x", 550, "goal x in the arena frame")
	y := fs.Float64("y", 550, "goal y in the arena frame")
	w := fs.Float64("w", 1, "goal orientation weight")
	key := fs.String("key", "", "idempotency key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, common.logLevel, "text")
	c, err := common.dial(logger)
	if err != nil {
		return err
	}
	defer c.Close()

	pos := arena.Position{X: *x, Y: *y, W: *w}
	if *key != "" {
		err = c.PublishGoalOnce(ctx, *key, pos)
	} else {
		err = harness.NewGoalPublisher(c, logger).PublishGoal(ctx, pos)
	}
	if err != nil {
		return err
	}
	color.Green("published goal %s", pos)
	return nil
}

func runFrame(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("frame", flag.ContinueOnError)
	common.register(fs)
	parent := fs.String("parent", "world", "parent frame id")
	child := fs.String("child", "arena", "child frame id")
	x := fs.Float64("x", 0, "translation x")
	y := fs.Float64("y", 0, "translation y")
	z := fs.Float64("z", 0, "translation z")
	interval := fs.Duration("interval", harness.DefaultBroadcastInterval, "broadcast interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, common.logLevel, "text")
	c, err := common.dial(logger)
	if err != nil {
		return err
	}
	defer c.Close()

	b := harness.NewFixedFrameBroadcaster(c, *parent, *child, arena.Vector3{X: *x, Y: *y, Z: *z}, *interval, logger)
	color.Cyan("broadcasting %s -> %s every %s", *parent, *child, *interval)
	b.Run(ctx)
	return nil
}

func runScenario(ctx context.Context, args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("scenario", flag.ContinueOnError)
	common.register(fs)
	step := fs.Duration("step", 100*time.Millisecond, "simulated time per waypoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, common.logLevel, "text")
	c, err := common.dial(logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := []struct {
		parent, child string
		at            arena.Vector3
	}{
		{"world", "arena", arena.Vector3{}},
		{"arena", "A_01", arena.Vector3{X: 50, Z: 50}},
		{"arena", "A_02", arena.Vector3{X: 150, Z: 150}},
		{"arena", "A_03", arena.Vector3{X: 250, Z: 50}},
	}
	for _, f := range frames {
		stop := harness.NewFixedFrameBroadcaster(c, f.parent, f.child, f.at, 0, logger).Start(ctx)
		defer stop()
	}

	err = harness.WaitFor(ctx, 50*time.Millisecond, func() bool {
		ids, err := c.FrameIDs(ctx)
		return err == nil && len(ids) >= len(frames)
	})
	if err != nil {
		return fmt.Errorf("frames never arrived: %w", err)
	}

	publisher := harness.NewGoalPublisher(c, logger)
	for _, pos := range []arena.Position{
		{X: 550, Y: 550, W: 1},
		{X: 450, Y: 550, W: 1},
		{X: 350, Y: 550, W: 1},
		{X: 250, Y: 550, W: 1},
	} {
		if err := publisher.PublishGoal(ctx, pos); err != nil {
			return err
		}
	}

	// A_03 never requests a plan and stays an obstacle.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"A_01", "A_02"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := simulateAgent(ctx, c, id, *step, 1, logger); err != nil {
				errs <- fmt.Errorf("%s: %w", id, err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	var joined error
	for err := range errs {
		joined = errors.Join(joined, err)
	}
	if joined == nil {
		color.Green("scenario complete")
	}
	return joined
}
