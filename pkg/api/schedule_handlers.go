package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/conveyor/pkg/httputil"
	"github.com/platinummonkey/conveyor/pkg/schedules"
)

// createScheduleRequest is the schedule registration payload
type createScheduleRequest struct {
	PipelineType string `json:"pipeline_type"`
	Cadence      string `json:"cadence"`
	Priority     int    `json:"priority"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// createSchedule registers a recurring pipeline for an org
func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org")
	if !ok {
		return
	}

	var req createScheduleRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.PipelineType == "" {
		httputil.WriteBadRequest(w, "pipeline_type is required")
		return
	}

	next, err := schedules.NextAfter(req.Cadence, time.Now())
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sched := &schedules.Schedule{
		OrgID:        orgID,
		PipelineType: req.PipelineType,
		Cadence:      req.Cadence,
		Priority:     req.Priority,
		NextDueAt:    next,
		Enabled:      enabled,
	}
	if err := s.schedules.Create(r.Context(), sched); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, sched)
}

// getSchedule returns a schedule by ID
func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	sched, err := s.schedules.Get(r.Context(), id)
	if errors.Is(err, schedules.ErrNotFound) {
		httputil.WriteNotFoundError(w, "schedule not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, sched)
}
