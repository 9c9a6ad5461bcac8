package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wardenlabs/warden/pkg/agent"
	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/approval"
	"github.com/wardenlabs/warden/pkg/artifacts"
	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/capability"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/egress"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/evidence"
	"github.com/wardenlabs/warden/pkg/growth"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/incident"
	"github.com/wardenlabs/warden/pkg/observability"
	"github.com/wardenlabs/warden/pkg/pipeline"
	"github.com/wardenlabs/warden/pkg/policy"
	"github.com/wardenlabs/warden/pkg/projection"
	"github.com/wardenlabs/warden/pkg/run"
	"github.com/wardenlabs/warden/pkg/secrets"
	"github.com/wardenlabs/warden/pkg/store"
	"github.com/wardenlabs/warden/pkg/worker"
)

// services is the fully wired dependency graph shared by the server and
// the standalone job commands.
type services struct {
	db        *sql.DB
	rdb       *redis.Client
	writer    *eventlog.Writer
	events    *eventlog.Query
	resolver  *identity.Resolver
	sessions  *identity.SessionManager
	runs      *run.Service
	approvals *approval.Service
	gate      *policy.Gate
	caps      *capability.Service
	broker    *egress.Broker
	incidents *incident.Service
	agents    *agent.Service
	growth    *growth.Service
	audit     *audit.Service
	evidence  *evidence.Service
	secrets   *secrets.Vault
	pipeline  *pipeline.Service
	blobs     artifacts.BlobStore
}

func (s *services) Close() {
	if s.rdb != nil {
		s.rdb.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// buildServices opens the database and wires every service. The event
// writer gets the projection engine so appends and projections commit in
// one transaction.
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	policyFile := &config.PolicyFile{}
	if cfg.PolicyFile != "" {
		policyFile, err = config.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load policy file: %w", err)
		}
	}

	scanner, err := eventlog.NewScanner(policyFile.DLPRules)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("compile dlp rules: %w", err)
	}

	resolver := identity.NewResolver(db)
	writer := eventlog.NewWriter(db, resolver, scanner, logger)
	events := eventlog.NewQuery(db)
	writer.SetProjector(projection.NewEngine(db, events, logger).Apply)

	registry, err := policy.NewRegistry(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build action registry: %w", err)
	}
	if err := registry.Seed(ctx, policyFile.Actions); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed action registry: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
	}

	growthSvc := growth.NewService(db, writer, logger)
	capSvc := capability.NewService(db, writer, logger)
	approvals := approval.NewService(db, writer, logger)
	gate := policy.NewGate(policy.GateDeps{
		DB:           db,
		Config:       cfg,
		Resolver:     resolver,
		Capabilities: capSvc,
		Registry:     registry,
		Writer:       writer,
		Approvals:    approvals,
		Quota:        egress.NewHourlyQuota(db, rdb, cfg.EgressMaxPerHour),
		Growth:       growthSvc,
		DataAccess:   &policyFile.DataAccess,
		Logger:       logger,
	})
	broker := egress.NewBroker(egress.BrokerDeps{
		DB:        db,
		Config:    cfg,
		Gate:      gate,
		Writer:    writer,
		Resolver:  resolver,
		Allowlist: policyFile.EgressAllowlist,
		Logger:    logger,
	})

	runs := run.NewService(db, writer, cfg.RunLeaseTTL, logger)

	blobs, err := artifacts.NewStore(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	vault, err := secrets.NewVault(db, cfg.SecretsMasterKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}

	var sessions *identity.SessionManager
	if cfg.SessionSigningKey != "" {
		sessions, err = identity.NewSessionManager(cfg.SessionSigningKey, cfg.SessionTTL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("build session manager: %w", err)
		}
	}

	return &services{
		db:        db,
		rdb:       rdb,
		writer:    writer,
		events:    events,
		resolver:  resolver,
		sessions:  sessions,
		runs:      runs,
		approvals: approvals,
		gate:      gate,
		caps:      capSvc,
		broker:    broker,
		incidents: incident.NewService(db, writer, logger),
		agents:    agent.NewService(db, writer, resolver, growthSvc, capSvc, logger),
		growth:    growthSvc,
		audit:     audit.NewService(db, events, logger),
		evidence:  evidence.NewService(db, writer, events, runs, blobs, logger),
		secrets:   vault,
		pipeline:  pipeline.NewService(db, logger),
		blobs:     blobs,
	}, nil
}

func runServer(cfg *config.Config, logger *slog.Logger, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer svc.Close()

	if err := store.Migrate(ctx, svc.db, logger); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}

	telemetry, err := observability.New(ctx, observability.Config{
		ServiceName:    "warden",
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "telemetry: %v\n", err)
		return 1
	}

	apiSrv := api.NewServer(api.Deps{
		DB:           svc.db,
		Config:       cfg,
		Writer:       svc.writer,
		Events:       svc.events,
		Resolver:     svc.resolver,
		Sessions:     svc.sessions,
		Runs:         svc.runs,
		Approvals:    svc.approvals,
		Gate:         svc.gate,
		Capabilities: svc.caps,
		Broker:       svc.broker,
		Incidents:    svc.incidents,
		Agents:       svc.agents,
		Growth:       svc.growth,
		Audit:        svc.audit,
		Evidence:     svc.evidence,
		Secrets:      svc.secrets,
		Pipeline:     svc.pipeline,
		Blobs:        svc.blobs,
		Telemetry:    telemetry,
		Logger:       logger,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerDone := make(chan struct{})
	if cfg.RunWorkerEmbedded {
		wk := worker.New(worker.Config{
			WorkspaceID:  cfg.RunWorkerWorkspaceID,
			PollInterval: time.Duration(cfg.RunWorkerPollMS) * time.Millisecond,
			BatchLimit:   cfg.RunWorkerBatchLimit,
		}, svc.runs, svc.gate, svc.broker, logger)
		go func() {
			defer close(workerDone)
			if err := wk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("embedded worker stopped", "error", err)
			}
		}()
	} else {
		close(workerDone)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpSrv.Addr, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	exit := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			exit = 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	<-workerDone
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", "error", err)
	}
	return exit
}
