// Command warden runs the agent control plane: the HTTP server, schema
// migrations, the run worker, and the growth batch jobs.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/wardenlabs/warden/pkg/config"

	_ "github.com/lib/pq"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "server", "serve":
		return runServer(cfg, logger, stderr)
	case "migrate":
		return runMigrate(cfg, logger, stderr)
	case "migrate_status":
		return runMigrateStatus(cfg, stdout, stderr)
	case "run_worker":
		return runWorkerCmd(args[2:], cfg, logger, stderr)
	case "snapshot_daily", "survival_rollup", "lifecycle_automation":
		return runGrowthJob(cmd, args[2:], cfg, logger, stdout, stderr)
	case "verify_chain":
		return runVerifyChain(args[2:], cfg, stdout, stderr)
	case "health":
		return runHealth(cfg, stdout, stderr)
	case "version", "--version":
		fmt.Fprintln(stdout, "warden "+version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(cmd, "-") {
			return runServer(cfg, logger, stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: warden <command>

Commands:
  server                run the HTTP control plane (default)
  migrate               apply pending schema migrations
  migrate_status        list schema migrations and their state
  run_worker            run the run worker standalone
  snapshot_daily        write daily growth snapshots
  survival_rollup       roll up agent survival statistics
  lifecycle_automation  apply trust-driven lifecycle transitions
  verify_chain          verify event hash chains
  health                probe the local server's health endpoint
  version               print the version
  help                  show this help`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
