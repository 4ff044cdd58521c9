// Command quickdeploy launches and manages autonomous coding agents on the
// configured backend.
//
// Usage:
//
//	quickdeploy launch -prompt "Build a REST API" [-repo URL] [-spot]
//	quickdeploy status -agent agent-20260823-142501-3f9a1c2e
//	quickdeploy logs   -agent agent-20260823-142501-3f9a1c2e
//	quickdeploy stop   -agent agent-20260823-142501-3f9a1c2e
//	quickdeploy list
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agency/quickdeploy/common/version"
	"github.com/agency/quickdeploy/internal/config"
	"github.com/agency/quickdeploy/internal/launcher"
	"github.com/agency/quickdeploy/internal/observability"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "version" {
		fmt.Println("quickdeploy", version.Info())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("QUICKDEPLOY_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	l, err := launcher.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "launch":
		runLaunch(ctx, l, args)
	case "status":
		runStatus(ctx, l, args)
	case "logs":
		runLogs(ctx, l, args)
	case "stop":
		runStop(ctx, l, args)
	case "list":
		runList(ctx, l)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `quickdeploy <command> [flags]

Commands:
  launch   create a new agent
  status   show one agent's merged status
  logs     print one agent's log tail
  stop     destroy an agent's unit (state is kept)
  list     enumerate agents on the configured backend
  version  print version information`)
}

func runLaunch(ctx context.Context, l *launcher.Launcher, args []string) {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	prompt := fs.String("prompt", "", "task description for the agent (required)")
	promptFile := fs.String("prompt-file", "", "read the task description from a file")
	agentID := fs.String("agent", "", "agent id (default: generated)")
	repo := fs.String("repo", "", "git repository to work in")
	branch := fs.String("branch", "", "branch to check out")
	spot := fs.Bool("spot", false, "use spot/preemptible capacity where supported")
	maxIter := fs.Int("max-iterations", 0, "session budget (default: from config)")
	keepAlive := fs.Bool("keep-alive", false, "keep the unit up after the agent finishes")
	fs.Parse(args)

	if *promptFile != "" {
		data, err := os.ReadFile(*promptFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: read prompt file: %v\n", err)
			os.Exit(1)
		}
		*prompt = string(data)
	}
	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "Error: -prompt or -prompt-file is required")
		os.Exit(2)
	}

	result, err := l.Launch(ctx, launcher.LaunchOptions{
		AgentID:       *agentID,
		Prompt:        *prompt,
		Repo:          *repo,
		Branch:        *branch,
		Spot:          *spot,
		MaxIterations: *maxIter,
		KeepAlive:     *keepAlive,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("agent:    %s\n", result.AgentID)
	fmt.Printf("provider: %s\n", result.Provider)
	fmt.Printf("status:   %s\n", result.Status)
	if result.ExternalURL != "" {
		fmt.Printf("url:      %s\n", result.ExternalURL)
	}
	if result.Error != "" {
		fmt.Fprintf(os.Stderr, "launch failed: %s\n", result.Error)
		os.Exit(1)
	}
}

func requireAgent(fs *flag.FlagSet, args []string) string {
	agentID := fs.String("agent", "", "agent id (required)")
	fs.Parse(args)
	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "Error: -agent is required")
		os.Exit(2)
	}
	return *agentID
}

func runStatus(ctx context.Context, l *launcher.Launcher, args []string) {
	agentID := requireAgent(flag.NewFlagSet("status", flag.ExitOnError), args)
	info := l.Status(ctx, agentID)

	fmt.Printf("agent:  %s\n", info.AgentID)
	fmt.Printf("status: %s\n", info.Status)
	if info.UnitState != "" {
		fmt.Printf("unit:   %s\n", info.UnitState)
	}
	if info.ExternalIP != "" {
		fmt.Printf("ip:     %s\n", info.ExternalIP)
	}
	if info.Progress != "" {
		fmt.Printf("work:   %s\n", info.Progress)
	}
	if info.Err != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", info.Err)
	}
}

func runLogs(ctx context.Context, l *launcher.Launcher, args []string) {
	agentID := requireAgent(flag.NewFlagSet("logs", flag.ExitOnError), args)
	logs, ok := l.Logs(ctx, agentID)
	if !ok {
		fmt.Fprintf(os.Stderr, "no logs available yet for %s\n", agentID)
		os.Exit(1)
	}
	fmt.Print(logs)
}

func runStop(ctx context.Context, l *launcher.Launcher, args []string) {
	agentID := requireAgent(flag.NewFlagSet("stop", flag.ExitOnError), args)
	if !l.Stop(ctx, agentID) {
		fmt.Fprintf(os.Stderr, "Error: failed to stop %s\n", agentID)
		os.Exit(1)
	}
	fmt.Printf("stopped %s (state store records are kept)\n", agentID)
}

func runList(ctx context.Context, l *launcher.Launcher) {
	summaries, err := l.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(summaries) == 0 {
		fmt.Println("no agents found")
		return
	}
	fmt.Printf("%-42s %-14s %s\n", "AGENT", "STATUS", "ADDRESS")
	for _, s := range summaries {
		fmt.Printf("%-42s %-14s %s\n", s.Name, s.Status, s.ExternalIP)
	}
}
