package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/conveyor/pkg/httputil"
	"github.com/platinummonkey/conveyor/pkg/queue"
	"github.com/platinummonkey/conveyor/pkg/quota"
)

// runNow starts an on-demand pipeline run, subject to the same quota
// reservation as scheduled runs. A denial is a 429 with the limit that
// was hit, so tenants can tell a quota stop from an outage.
func (s *Server) runNow(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org")
	if !ok {
		return
	}
	pipelineType, err := httputil.ParsePathString(r, "type")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	priority, err := httputil.ParseQueryInt(r, "priority", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entry, decision, err := s.worker.RunNow(r.Context(), orgID, pipelineType, priority)
	if err != nil {
		if errors.Is(err, quota.ErrContention) {
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "reservation contention, retry shortly")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	if !decision.Granted {
		resp := httputil.QuotaExceededResponse{
			Error:  "quota exceeded",
			Reason: string(decision.Reason),
			Used:   decision.Used,
			Limit:  decision.Limit,
		}
		if !decision.ResetsAt.IsZero() {
			resp.ResetsAt = decision.ResetsAt.Format(time.RFC3339)
		}
		httputil.WriteQuotaExceeded(w, resp)
		return
	}

	httputil.WriteCreated(w, entry)
}

// getRun returns the queue entry for a run
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entry, err := s.queue.Get(r.Context(), runID)
	if errors.Is(err, queue.ErrNotFound) {
		httputil.WriteNotFoundError(w, "run not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, entry)
}

// completeRequest is the executor completion callback payload
type completeRequest struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// completeRun records an executor completion callback. Idempotent; the
// executor may retry freely.
func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req completeRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var outcome quota.Outcome
	switch req.Outcome {
	case "completed", "":
		outcome = quota.OutcomeCompleted
	case "failed":
		outcome = quota.OutcomeFailed
	default:
		httputil.WriteBadRequest(w, "outcome must be completed or failed")
		return
	}

	if err := s.worker.Complete(r.Context(), runID, outcome, req.Reason); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			httputil.WriteNotFoundError(w, "run not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	str, err := httputil.ParsePathString(r, "run_id")
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(str)
}
