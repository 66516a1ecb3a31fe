package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/conveyor/pkg/api"
	"github.com/platinummonkey/conveyor/pkg/config"
	"github.com/platinummonkey/conveyor/pkg/events"
	"github.com/platinummonkey/conveyor/pkg/executor"
	"github.com/platinummonkey/conveyor/pkg/limits"
	"github.com/platinummonkey/conveyor/pkg/observability"
	"github.com/platinummonkey/conveyor/pkg/queue"
	"github.com/platinummonkey/conveyor/pkg/quota"
	"github.com/platinummonkey/conveyor/pkg/scheduler"
	"github.com/platinummonkey/conveyor/pkg/schedules"
	storagepg "github.com/platinummonkey/conveyor/pkg/storage/postgres"
)

var version = "dev" // set at build time via ldflags

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	observability.SetVersion(version)

	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry, continuing without tracing")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	app, err := buildApp(cfg, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	server := api.NewServer(api.Deps{
		Trigger:             app.trigger,
		Worker:              app.worker,
		Reclaimer:           app.reclaimer,
		Quota:               app.quota,
		Queue:               app.queue,
		Schedules:           app.schedules,
		Logger:              logger,
		Metrics:             metrics,
		RootCredential:      cfg.Auth.RootCredential,
		DefaultStaleTimeout: cfg.Scheduler.StaleTimeout,
		ClaimLimit:          cfg.Scheduler.ClaimLimit,
		TriggerLimit:        cfg.Scheduler.TriggerLimit,
	})

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(app.db, app.redis)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	go func() {
		logger.WithField("addr", apiServer.Addr).Info("conveyor API server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	sm := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	for _, fn := range app.cleanup {
		sm.RegisterShutdownFunc(fn)
	}
	if providers != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		})
	}

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

// app bundles everything the wiring produces
type app struct {
	db        *sql.DB
	redis     *redis.Client
	quota     quota.Service
	queue     queue.Store
	schedules schedules.Store
	trigger   *scheduler.Trigger
	worker    *scheduler.Worker
	reclaimer *scheduler.Reclaimer
	cleanup   []observability.ShutdownFunc
}

// buildApp constructs the store and service graph for the configured
// storage backend
func buildApp(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*app, error) {
	a := &app{}

	var quotaStore quota.Store
	var limitSource quota.LimitSource

	switch cfg.Storage.Type {
	case "postgres":
		cm, err := storagepg.NewConnectionManager(storagepg.ConnectionConfig{
			PrimaryURL:  cfg.Storage.PostgresURL,
			ReplicaURLs: storagepg.ParseReplicaURLs(cfg.Storage.PostgresReplicaURLs),
			MaxConns:    cfg.Storage.PostgresMaxConns,
			MinConns:    cfg.Storage.PostgresMinConns,
			Timeout:     cfg.Storage.PostgresTimeout,
			MaxLifetime: cfg.Storage.PostgresMaxLifetime,
			MaxIdleTime: cfg.Storage.PostgresMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.db = cm.Primary()
		a.cleanup = append(a.cleanup, func(ctx context.Context) error { return cm.Close() })

		stopDBStats := metrics.StartDBStatsCollector(cm.Primary(), 15*time.Second)
		a.cleanup = append(a.cleanup, func(ctx context.Context) error { stopDBStats(); return nil })

		quotaStore = quota.NewPostgresStore(cm.Primary())
		a.queue = queue.NewPostgresStore(cm.Primary())
		a.schedules = schedules.NewPostgresStore(cm.Primary())

		source := limits.NewPostgresSource(cm.Primary())
		limitSource = source

		if cfg.Storage.CacheEnabled && cfg.Storage.RedisURL != "" {
			client, err := storagepg.NewRedisClient(cfg.Storage)
			if err != nil {
				// The limit cache degrades to L1-only; not fatal
				logger.WithError(err).Warn("redis unavailable, limit cache will be in-process only")
			} else {
				a.redis = client
				a.cleanup = append(a.cleanup, func(ctx context.Context) error { return client.Close() })
			}
		}
		if cfg.Storage.CacheEnabled {
			limitSource = limits.NewCachedSource(source, a.redis, cfg.Storage.LimitCacheLen, cfg.Storage.LimitCacheTTL, logger)
		}

	default:
		quotaStore = quota.NewMemoryStore()
		a.queue = queue.NewMemoryStore()
		a.schedules = schedules.NewMemoryStore()
		limitSource = limits.StaticSource{Limits: limits.DefaultLimits(limits.PlanFree)}
		logger.Warn("using in-memory stores; state is lost on restart")
	}

	var emitter events.Emitter = events.NopEmitter{}
	if cfg.Webhooks.Enabled {
		emitter = events.NewWebhookEmitter(cfg.Webhooks.URL, cfg.Webhooks.Secret, cfg.Webhooks.Timeout, logger)
	}

	var dispatcher executor.Dispatcher = executor.NopDispatcher{}
	if cfg.Executor.URL != "" {
		dispatcher = executor.NewHTTPDispatcher(cfg.Executor.URL, cfg.Executor.Timeout, logger)
	}

	a.quota = quota.NewService(quotaStore, limitSource, logger, metrics, quota.Options{
		MaxRetries:   cfg.Quota.MaxRetries,
		RetryBackoff: cfg.Quota.RetryBackoff,
		StaleTimeout: cfg.Scheduler.StaleTimeout,
	})

	a.trigger = scheduler.NewTrigger(a.schedules, a.queue, emitter, logger, metrics)
	a.worker = scheduler.NewWorker(a.queue, a.quota, dispatcher, emitter, logger, metrics, scheduler.WorkerOptions{
		DispatchTimeout:   cfg.Scheduler.DispatchTimeout,
		GlobalConcurrency: cfg.Scheduler.GlobalConcurrency,
		TimeBudget:        cfg.Scheduler.DrainTimeBudget,
	})
	a.reclaimer = scheduler.NewReclaimer(a.queue, a.quota, emitter, logger, metrics, 0)

	// Wire the inline reclaim hook so leaked slots are freed before a
	// reservation is evaluated
	if setter, ok := a.quota.(quota.ReclaimerSetter); ok {
		setter.SetReclaimer(a.reclaimer)
	}

	return a, nil
}
