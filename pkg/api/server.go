package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/conveyor/pkg/httputil"
	"github.com/platinummonkey/conveyor/pkg/observability"
	"github.com/platinummonkey/conveyor/pkg/queue"
	"github.com/platinummonkey/conveyor/pkg/quota"
	"github.com/platinummonkey/conveyor/pkg/scheduler"
	"github.com/platinummonkey/conveyor/pkg/schedules"
)

// Server wires the scheduler services into HTTP routes
type Server struct {
	router *mux.Router

	trigger   *scheduler.Trigger
	worker    *scheduler.Worker
	reclaimer *scheduler.Reclaimer
	quota     quota.Service
	queue     queue.Store
	schedules schedules.Store

	logger  *observability.Logger
	metrics *observability.Metrics

	rootCredential      string
	defaultStaleTimeout time.Duration
	claimLimit          int
	triggerLimit        int
}

// Deps collects everything the server needs
type Deps struct {
	Trigger   *scheduler.Trigger
	Worker    *scheduler.Worker
	Reclaimer *scheduler.Reclaimer
	Quota     quota.Service
	Queue     queue.Store
	Schedules schedules.Store

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// RootCredential guards admin and internal routes. Empty disables the
	// check.
	RootCredential string

	// DefaultStaleTimeout is used by cleanup-orphaned when no
	// timeout_minutes query param is given.
	DefaultStaleTimeout time.Duration

	// ClaimLimit and TriggerLimit are the per-pass defaults for the
	// process-queue and trigger endpoints.
	ClaimLimit   int
	TriggerLimit int
}

// NewServer creates the API server and registers all routes
func NewServer(deps Deps) *Server {
	if deps.DefaultStaleTimeout <= 0 {
		deps.DefaultStaleTimeout = 30 * time.Minute
	}
	if deps.ClaimLimit <= 0 {
		deps.ClaimLimit = 100
	}
	if deps.TriggerLimit <= 0 {
		deps.TriggerLimit = 500
	}

	s := &Server{
		router:              mux.NewRouter(),
		trigger:             deps.Trigger,
		worker:              deps.Worker,
		reclaimer:           deps.Reclaimer,
		quota:               deps.Quota,
		queue:               deps.Queue,
		schedules:           deps.Schedules,
		logger:              deps.Logger,
		metrics:             deps.Metrics,
		rootCredential:      deps.RootCredential,
		defaultStaleTimeout: deps.DefaultStaleTimeout,
		claimLimit:          deps.ClaimLimit,
		triggerLimit:        deps.TriggerLimit,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Scheduler control plane; cron normally drives these, the endpoints
	// exist for operators and for the aggregator's own loops.
	admin := v1.NewRoute().Subrouter()
	admin.Use(s.rootAuthMiddleware)
	admin.HandleFunc("/scheduler/trigger", s.triggerSchedules).Methods("POST")
	admin.HandleFunc("/scheduler/process-queue", s.processQueue).Methods("POST")
	admin.HandleFunc("/scheduler/cleanup-orphaned", s.cleanupOrphaned).Methods("POST")
	admin.HandleFunc("/admin/quota/reset-daily", s.resetDaily).Methods("POST")
	admin.HandleFunc("/admin/quota/reset-monthly", s.resetMonthly).Methods("POST")
	admin.HandleFunc("/internal/runs/{run_id}/complete", s.completeRun).Methods("POST")

	// Tenant-facing routes
	v1.HandleFunc("/organizations/{org}/quota", s.getQuota).Methods("GET")
	v1.HandleFunc("/organizations/{org}/pipelines/{type}/run", s.runNow).Methods("POST")
	v1.HandleFunc("/organizations/{org}/schedules", s.createSchedule).Methods("POST")
	v1.HandleFunc("/schedules/{id}", s.getSchedule).Methods("GET")
	v1.HandleFunc("/runs/{run_id}", s.getRun).Methods("GET")
}

// Router returns the configured HTTP handler
func (s *Server) Router() http.Handler {
	return s.router
}

// metricsMiddleware records request counts and latency, labelled by the
// matched route template so path variables do not explode the cardinality
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		s.metrics.InstrumentHandler(path, next).ServeHTTP(w, r)
	})
}

// rootAuthMiddleware enforces the static root credential on admin routes
func (s *Server) rootAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rootCredential == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.rootCredential)) != 1 {
			httputil.WriteUnauthorized(w, "invalid or missing credentials")
			return
		}

		next.ServeHTTP(w, r)
	})
}
