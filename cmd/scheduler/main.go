// Package main is the entry point for the campaign engine.
// One process owns the stores, the session and credential pools, the
// scheduler that drives every running tenant, and the ops API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaignplane/internal/campaign"
	"campaignplane/internal/config"
	"campaignplane/internal/controller"
	"campaignplane/internal/controller/handlers"
	"campaignplane/internal/controller/middleware"
	"campaignplane/internal/credentials"
	"campaignplane/internal/destinations"
	"campaignplane/internal/heartbeat"
	"campaignplane/internal/logger"
	"campaignplane/internal/observability"
	"campaignplane/internal/plan"
	"campaignplane/internal/scheduler"
	"campaignplane/internal/sessions"
	"campaignplane/internal/store"
	"campaignplane/internal/tracker"
	"campaignplane/internal/worker"
	"campaignplane/internal/worker/protocol"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

const serviceName = "campaignplane"

func main() {
	configPath := flag.String("config", "", "Path to config file (default: campaignplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("engine stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()
	meter := otel.Meter(serviceName)
	instruments, err := observability.NewInstruments(meter)
	if err != nil {
		return fmt.Errorf("creating instruments: %w", err)
	}

	// Persistence
	st, err := openStores(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()
	tenants := store.NewTenants(st.state, st.stats)

	// Resources
	pool, err := sessions.New(cfg.SessionsDir, log)
	if err != nil {
		return fmt.Errorf("opening session pool: %w", err)
	}
	pairs, err := credentials.OpenPool(cfg.CredentialPairsFile, cfg.PairCapacity)
	if err != nil {
		return fmt.Errorf("loading credential pairs: %w", err)
	}
	if err := os.MkdirAll(cfg.DestinationsDir, 0o755); err != nil {
		return fmt.Errorf("creating destinations dir: %w", err)
	}
	dests, err := destinations.NewSource(cfg.DestinationsDir, log)
	if err != nil {
		return fmt.Errorf("opening destinations: %w", err)
	}
	if err := dests.Watch(ctx); err != nil {
		log.Warn("destination files will not be reloaded on change", "error", err)
	}

	workerID := uuid.NewString()
	heartbeats := heartbeat.New(st.heartbeats, cfg.HeartbeatTTL, workerID)
	track := tracker.New(cfg.Tracker.FailureThreshold, cfg.Tracker.CooldownCycles)
	policy := plan.NewPolicy(cfg.Plan, nil)

	dialer := protocol.NewGatewayDialer(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.Timeout)
	executor := worker.New(worker.Config{
		TransientRetryWait: cfg.Executor.TransientRetryWait,
		RateLimitMaxWait:   cfg.Executor.RateLimitMaxWait,
		PairRate:           cfg.Executor.PairRate,
		PairBurst:          cfg.Executor.PairBurst,
	}, worker.Deps{
		Tenants:      tenants,
		Sessions:     pool,
		Pairs:        pairs,
		Destinations: dests,
		Tracker:      track,
		Policy:       policy,
		Dialer:       dialer,
		Instruments:  instruments,
		Logger:       log,
	})

	sched := scheduler.New(scheduler.Config{
		TickInterval:       cfg.Scheduler.TickInterval,
		SessionConcurrency: cfg.Scheduler.SessionConcurrency,
		DrainTimeout:       cfg.Scheduler.DrainTimeout,
	}, scheduler.Deps{
		Tenants:      tenants,
		Executor:     executor,
		Heartbeats:   heartbeats,
		Tracker:      track,
		Policy:       policy,
		Destinations: dests,
		Logger:       log,
	})

	if err := instruments.ObserveGauges(meter,
		func() int64 { return int64(sched.ActiveCount()) },
		func() int64 { return int64(track.Quarantined()) },
	); err != nil {
		log.Warn("failed to register gauges", "error", err)
	}

	svc := campaign.New(campaign.Deps{
		Tenants:      tenants,
		Sessions:     pool,
		Pairs:        pairs,
		Heartbeats:   heartbeats,
		Tracker:      track,
		Destinations: dests,
		Dialer:       dialer,
		IsActive:     sched.IsActive,
		Logger:       log,
	})

	// Nothing survives a restart running: operators restart tenants explicitly.
	if err := svc.ResetRunningOnBoot(ctx); err != nil {
		log.Error("failed to reset running tenants", "error", err)
	}

	srv := controller.New(fmt.Sprintf(":%d", cfg.HTTPPort), handlers.New(handlers.Deps{
		Control:  svc,
		Sessions: pool,
		Pairs:    svc,
		Verifier: svc,
		Stores:   st.degradable(),
		Logger:   log,
	}), controller.Options{
		OpsToken:    cfg.OpsToken,
		Metrics:     metricsHandler,
		RateLimiter: middleware.NewRateLimiter(),
		Logger:      log,
	})
	if cfg.OpsToken == "" {
		log.Warn("ops API is unauthenticated; set ops_token to protect it")
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("ops API listening", "port", cfg.HTTPPort)
		srvErr <- srv.Run(ctx)
	}()

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", "error", err)
		}
	}()
	log.Info("engine started", "worker_id", workerID, "backend", cfg.Store.Backend)

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			stop()
			<-sched.Done()
			return fmt.Errorf("ops API: %w", err)
		}
	}

	log.Info("shutting down engine")
	<-sched.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", "error", err)
	}
	if done := dests.Done(); done != nil {
		<-done
	}
	log.Info("engine exited properly")
	return nil
}
