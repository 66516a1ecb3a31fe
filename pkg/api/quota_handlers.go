package api

import (
	"net/http"

	"github.com/platinummonkey/conveyor/pkg/httputil"
)

// getQuota returns an advisory snapshot of an org's quota state. Never an
// admission decision; reservation is the only admission path.
func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org")
	if !ok {
		return
	}

	snapshot, err := s.quota.Snapshot(r.Context(), orgID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, snapshot)
}

// resetDaily rolls every daily counter into the current period
func (s *Server) resetDaily(w http.ResponseWriter, r *http.Request) {
	n, err := s.quota.ResetDaily(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"reset_count": n})
}

// resetMonthly rolls every monthly counter into the current period
func (s *Server) resetMonthly(w http.ResponseWriter, r *http.Request) {
	n, err := s.quota.ResetMonthly(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"reset_count": n})
}
