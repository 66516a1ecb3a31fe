// The conveyor-scheduler daemon drives the periodic passes: triggering due
// schedules, draining the execution queue, sweeping orphaned runs, and
// rolling quota periods over. It shares its stores with the API server and
// is safe to run on multiple hosts at once.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

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

var (
	triggerSchedule = flag.String("trigger-schedule", "* * * * *", "Cron schedule for the due-schedule scan")
	processSchedule = flag.String("process-schedule", "* * * * *", "Cron schedule for the queue drain pass")
	sweepSchedule   = flag.String("sweep-schedule", "*/5 * * * *", "Cron schedule for the orphaned-run sweep")
	dailySchedule   = flag.String("daily-reset-schedule", "1 0 * * *", "Cron schedule for the daily quota rollover (00:01 UTC)")
	monthlySchedule = flag.String("monthly-reset-schedule", "2 0 1 * *", "Cron schedule for the monthly quota rollover (1st day 00:02 UTC)")
	runOnce         = flag.Bool("run-once", false, "Run one trigger, drain and sweep pass, then exit")
)

var version = "dev" // set at build time via ldflags

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	observability.SetVersion(version)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	svc, cleanup, err := buildServices(cfg, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer cleanup()

	if *runOnce {
		ctx := context.Background()
		if result, err := svc.trigger.Run(ctx, cfg.Scheduler.TriggerLimit); err != nil {
			log.Fatalf("Trigger pass failed: %v", err)
		} else {
			logger.WithFields(map[string]interface{}{
				"examined": result.Examined, "queued": result.Queued, "skipped": result.Skipped,
			}).Info("trigger pass complete")
		}
		if result, err := svc.worker.ProcessQueue(ctx, cfg.Scheduler.ClaimLimit); err != nil {
			log.Fatalf("Queue drain failed: %v", err)
		} else {
			logger.WithFields(map[string]interface{}{
				"claimed": result.Claimed, "started": result.Started,
			}).Info("queue drain complete")
		}
		if n, err := svc.reclaimer.Sweep(ctx, cfg.Scheduler.StaleTimeout); err != nil {
			log.Fatalf("Stale sweep failed: %v", err)
		} else {
			logger.WithField("reclaimed", n).Info("stale sweep complete")
		}
		return
	}

	c := cron.New()

	mustSchedule(c, *triggerSchedule, "trigger pass", func(ctx context.Context) {
		result, err := svc.trigger.Run(ctx, cfg.Scheduler.TriggerLimit)
		if err != nil {
			logger.WithError(err).Error("trigger pass failed")
			return
		}
		if result.Queued > 0 || result.Skipped > 0 {
			logger.WithFields(map[string]interface{}{
				"examined": result.Examined, "queued": result.Queued, "skipped": result.Skipped,
			}).Info("trigger pass complete")
		}
	})

	mustSchedule(c, *processSchedule, "queue drain", func(ctx context.Context) {
		result, err := svc.worker.ProcessQueue(ctx, cfg.Scheduler.ClaimLimit)
		if err != nil {
			logger.WithError(err).Error("queue drain failed")
			return
		}
		if result.Claimed > 0 {
			logger.WithFields(map[string]interface{}{
				"claimed": result.Claimed, "started": result.Started,
				"requeued": result.Requeued, "failed": result.Failed,
			}).Info("queue drain complete")
		}
	})

	mustSchedule(c, *sweepSchedule, "stale sweep", func(ctx context.Context) {
		n, err := svc.reclaimer.Sweep(ctx, cfg.Scheduler.StaleTimeout)
		if err != nil {
			logger.WithError(err).Error("stale sweep failed")
			return
		}
		if n > 0 {
			logger.WithField("reclaimed", n).Warn("stale sweep reclaimed runs")
		}
	})

	mustSchedule(c, *dailySchedule, "daily quota rollover", func(ctx context.Context) {
		n, err := svc.quota.ResetDaily(ctx)
		if err != nil {
			logger.WithError(err).Error("daily quota rollover failed")
			return
		}
		logger.WithField("reset_count", n).Info("daily quota rollover complete")
	})

	mustSchedule(c, *monthlySchedule, "monthly quota rollover", func(ctx context.Context) {
		n, err := svc.quota.ResetMonthly(ctx)
		if err != nil {
			logger.WithError(err).Error("monthly quota rollover failed")
			return
		}
		logger.WithField("reset_count", n).Info("monthly quota rollover complete")
	})

	c.Start()
	logger.WithFields(map[string]interface{}{
		"trigger_schedule": *triggerSchedule,
		"process_schedule": *processSchedule,
		"sweep_schedule":   *sweepSchedule,
	}).Info("conveyor scheduler daemon started")

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(svc.db(), nil))
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	sm := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, healthServer)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

func mustSchedule(c *cron.Cron, spec, name string, fn func(context.Context)) {
	_, err := c.AddFunc(spec, func() { fn(context.Background()) })
	if err != nil {
		log.Fatalf("Failed to schedule %s (%q): %v", name, spec, err)
	}
}

// services bundles the daemon's service graph
type services struct {
	cm        *storagepg.ConnectionManager
	quota     quota.Service
	trigger   *scheduler.Trigger
	worker    *scheduler.Worker
	reclaimer *scheduler.Reclaimer
}

func (s *services) db() *sql.DB {
	if s.cm == nil {
		return nil
	}
	return s.cm.Primary()
}

func buildServices(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*services, func(), error) {
	svc := &services{}
	cleanup := func() {}

	var quotaStore quota.Store
	var queueStore queue.Store
	var schedStore schedules.Store
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
			return nil, nil, err
		}
		svc.cm = cm
		stopDBStats := metrics.StartDBStatsCollector(cm.Primary(), 15*time.Second)
		cleanup = func() {
			stopDBStats()
			cm.Close()
		}

		quotaStore = quota.NewPostgresStore(cm.Primary())
		queueStore = queue.NewPostgresStore(cm.Primary())
		schedStore = schedules.NewPostgresStore(cm.Primary())
		limitSource = limits.NewPostgresSource(cm.Primary())

	default:
		quotaStore = quota.NewMemoryStore()
		queueStore = queue.NewMemoryStore()
		schedStore = schedules.NewMemoryStore()
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

	svc.quota = quota.NewService(quotaStore, limitSource, logger, metrics, quota.Options{
		MaxRetries:   cfg.Quota.MaxRetries,
		RetryBackoff: cfg.Quota.RetryBackoff,
		StaleTimeout: cfg.Scheduler.StaleTimeout,
	})
	svc.trigger = scheduler.NewTrigger(schedStore, queueStore, emitter, logger, metrics)
	svc.worker = scheduler.NewWorker(queueStore, svc.quota, dispatcher, emitter, logger, metrics, scheduler.WorkerOptions{
		DispatchTimeout:   cfg.Scheduler.DispatchTimeout,
		GlobalConcurrency: cfg.Scheduler.GlobalConcurrency,
		TimeBudget:        cfg.Scheduler.DrainTimeBudget,
	})
	svc.reclaimer = scheduler.NewReclaimer(queueStore, svc.quota, emitter, logger, metrics, 0)

	if setter, ok := svc.quota.(quota.ReclaimerSetter); ok {
		setter.SetReclaimer(svc.reclaimer)
	}

	return svc, cleanup, nil
}
