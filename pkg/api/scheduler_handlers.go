package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/conveyor/pkg/httputil"
)

// triggerSchedules runs one trigger pass over due schedules
func (s *Server) triggerSchedules(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", s.triggerLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit <= 0 {
		httputil.WriteBadRequest(w, "limit must be positive")
		return
	}

	result, err := s.trigger.Run(r.Context(), limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"triggered_count": result.Examined,
		"queued_count":    result.Queued,
		"skipped_count":   result.Skipped,
	})
}

// processQueue runs one queue drain pass
func (s *Server) processQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", s.claimLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit <= 0 {
		httputil.WriteBadRequest(w, "limit must be positive")
		return
	}

	start := time.Now()
	result, err := s.worker.ProcessQueue(r.Context(), limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"processed_count":   result.Claimed,
		"started_pipelines": result.StartedRuns,
		"requeued_count":    result.Requeued,
		"failed_count":      result.Failed,
		"elapsed_seconds":   time.Since(start).Seconds(),
	})
}

// cleanupOrphaned sweeps stale processing runs across all orgs
func (s *Server) cleanupOrphaned(w http.ResponseWriter, r *http.Request) {
	timeoutMinutes, err := httputil.ParseQueryInt(r, "timeout_minutes", int(s.defaultStaleTimeout.Minutes()))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if timeoutMinutes <= 0 {
		httputil.WriteBadRequest(w, "timeout_minutes must be positive")
		return
	}

	reclaimed, err := s.reclaimer.Sweep(r.Context(), time.Duration(timeoutMinutes)*time.Minute)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"reclaimed_count": reclaimed,
	})
}
