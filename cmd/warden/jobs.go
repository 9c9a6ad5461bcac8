package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/growth"
	"github.com/wardenlabs/warden/pkg/store"
	"github.com/wardenlabs/warden/pkg/worker"
)

var cliActor = eventlog.ActorRef{Type: eventlog.ActorService, ID: "warden-cli"}

func runMigrate(cfg *config.Config, logger *slog.Logger, stderr io.Writer) int {
	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := store.Migrate(ctx, db, logger); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	return 0
}

func runMigrateStatus(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()
	statuses, err := store.Status(ctx, db)
	if err != nil {
		fmt.Fprintf(stderr, "migration status: %v\n", err)
		return 1
	}
	for _, st := range statuses {
		state := "pending"
		if st.Applied {
			state = "applied " + st.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(stdout, "%s\t%s\n", st.Version, state)
	}
	return 0
}

func runWorkerCmd(args []string, cfg *config.Config, logger *slog.Logger, stderr io.Writer) int {
	fs := flag.NewFlagSet("run_worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", cfg.RunWorkerWorkspaceID, "workspace to drive runs for")
	once := fs.Bool("once", false, "claim and drive at most one run, then exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *workspace == "" {
		fmt.Fprintln(stderr, "run_worker: -workspace is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer svc.Close()

	wk := worker.New(worker.Config{
		WorkspaceID:  *workspace,
		PollInterval: time.Duration(cfg.RunWorkerPollMS) * time.Millisecond,
		BatchLimit:   cfg.RunWorkerBatchLimit,
	}, svc.runs, svc.gate, svc.broker, logger)

	if *once {
		if _, err := wk.RunOnce(ctx); err != nil {
			fmt.Fprintf(stderr, "run_worker: %v\n", err)
			return 1
		}
		return 0
	}
	if err := wk.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "run_worker: %v\n", err)
		return 1
	}
	return 0
}

// runGrowthJob executes one of the daily batch jobs. They are meant to be
// cron-driven, one invocation per workspace per day.
func runGrowthJob(cmd string, args []string, cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	workspace := fs.String("workspace", "", "workspace to process")
	date := fs.String("date", "", "snapshot date (YYYY-MM-DD, default today)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *workspace == "" {
		fmt.Fprintf(stderr, "%s: -workspace is required\n", cmd)
		return 2
	}
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if *date != "" {
		parsed, err := time.Parse("2006-01-02", *date)
		if err != nil {
			fmt.Fprintf(stderr, "%s: bad -date: %v\n", cmd, err)
			return 2
		}
		day = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer svc.Close()

	req := growth.SnapshotRequest{WorkspaceID: *workspace, Date: day, Actor: cliActor}
	switch cmd {
	case "snapshot_daily":
		n, err := svc.growth.SnapshotDaily(ctx, req)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
			return 1
		}
		fmt.Fprintf(stdout, "snapshots written: %d\n", n)
	case "survival_rollup":
		n, err := svc.growth.SurvivalRollup(ctx, req)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
			return 1
		}
		fmt.Fprintf(stdout, "survival entries written: %d\n", n)
	case "lifecycle_automation":
		transitions, err := svc.growth.LifecycleAutomation(ctx, req)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
			return 1
		}
		for _, t := range transitions {
			fmt.Fprintf(stdout, "%s\t%s -> %s\t%s\n", t.AgentID, t.From, t.To, t.Reason)
		}
		fmt.Fprintf(stdout, "transitions: %d\n", len(transitions))
	}
	return 0
}

// runVerifyChain recomputes event hash chains and prints the report as
// JSON. The exit code is nonzero when any chain is broken so the command
// can gate CI or a scheduled check.
func runVerifyChain(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify_chain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	streamType := fs.String("stream-type", "", "verify a single stream of this type")
	streamID := fs.String("stream-id", "", "verify the stream with this id")
	workspace := fs.String("workspace", "", "verify every stream in this workspace")
	limit := fs.Int64("limit", 0, "max events to check per stream (0 = all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	logger := slog.Default()
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer svc.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch {
	case *streamType != "" && *streamID != "":
		report, err := svc.audit.VerifyStream(ctx, *streamType, *streamID, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "verify_chain: %v\n", err)
			return 1
		}
		enc.Encode(report)
		if !report.Valid {
			return 1
		}
	case *workspace != "":
		report, err := svc.audit.VerifyWorkspace(ctx, *workspace, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "verify_chain: %v\n", err)
			return 1
		}
		enc.Encode(report)
		if !report.Valid {
			return 1
		}
	default:
		fmt.Fprintln(stderr, "verify_chain: pass -stream-type and -stream-id, or -workspace")
		return 2
	}
	return 0
}

func runHealth(cfg *config.Config, stdout, stderr io.Writer) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/v1/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(stdout, "%s\n", body)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
