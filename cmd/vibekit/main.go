package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vibekit/vibekit/internal/agent"
	"github.com/vibekit/vibekit/internal/config"
	"github.com/vibekit/vibekit/internal/dispatcher"
	ghclient "github.com/vibekit/vibekit/internal/github"
	"github.com/vibekit/vibekit/internal/runlog"
	"github.com/vibekit/vibekit/internal/runner"
	"github.com/vibekit/vibekit/internal/server"
	"github.com/vibekit/vibekit/internal/status"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `vibekit — agent run orchestrator

Usage:
  vibekit serve [flags]   Start the HTTP server

Flags:
  --addr         Address to listen on (default: 127.0.0.1:7791)
  --config       Config file path (default: ~/.vibekit/config.yaml)
  --github-url   Override GitHub API endpoint (env: VIBEKIT_GITHUB_URL)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("vibekit " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "vibekit %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	var addr, configPath string
	githubURL := os.Getenv("VIBEKIT_GITHUB_URL")

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--github-url":
			if i+1 < len(args) {
				githubURL = args[i+1]
				i++
			}
		}
	}

	logger := slog.Default()

	// --- 1. Signal handling for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. Load configuration ---
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Addr
	}
	if githubURL == "" {
		githubURL = cfg.Github.BaseURL
	}

	// --- 3. Open the run log ---
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = runlog.DefaultPath()
		if err != nil {
			return fmt.Errorf("determining database path: %w", err)
		}
	}
	log, err := runlog.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer log.Close()

	// --- 4. GitHub client ---
	var ghOpts []ghclient.Option
	if githubURL != "" {
		ghOpts = append(ghOpts, ghclient.WithBaseURL(githubURL))
	}
	if cfg.Github.HasApp() {
		ghOpts = append(ghOpts, ghclient.WithAppAuth(ghclient.AppCredentials{
			ClientID:       cfg.Github.AppClientID,
			InstallationID: cfg.Github.AppInstallationID,
			PrivateKeyPath: cfg.Github.AppPrivateKeyPath,
		}))
	}
	gh, err := ghclient.New(cfg.Github.Token, ghOpts...)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	// --- 5. Status channel ---
	channel := status.New(logger)
	defer channel.Close()

	// --- 6. Agent factory ---
	factory := agent.NewFactory(agent.Config{
		WorkspaceDir: cfg.WorkspaceDir,
		Command:      cfg.Agent.Command,
		Model:        cfg.Agent.Model,
		MaxTurns:     cfg.Agent.MaxTurns,
		GitHub:       gh,
		GitName:      cfg.Agent.GitName,
		GitEmail:     cfg.Agent.GitEmail,
		Logger:       logger,
	})

	// --- 7. Runner and dispatcher ---
	run := runner.New(runner.Config{
		Channel: channel,
		Factory: factory,
		Log:     log,
		Logger:  logger,
	})
	d := dispatcher.New(dispatcher.Config{
		Runner:     run,
		MaxWorkers: cfg.MaxWorkers,
		Logger:     logger,
	})

	// --- 8. Start HTTP server ---
	srv, err := server.New(addr, server.Config{
		Dispatcher: d,
		Channel:    channel,
		Log:        log,
		BaseCtx:    ctx,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "vibekit listening on %s\n", srv.Addr())
	if githubURL != "" {
		fmt.Fprintf(os.Stderr, "  GitHub API: %s\n", githubURL)
	}

	// Serve in a goroutine so we can wait for shutdown signal.
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Debug("server stopped", "error", err)
		}
	}()

	// --- 9. Wait for shutdown ---
	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	d.Wait()
	srv.Close()

	return nil
}
