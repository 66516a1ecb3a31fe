package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandlerRecordsStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	h := m.InstrumentHandler("/api/v1/runs/{run_id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/runs/abc", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/runs/{run_id}", "404"))
	assert.Equal(t, 1.0, count)
}

func TestInstrumentHandlerDefaultsTo200(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	h := m.InstrumentHandler("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200"))
	assert.Equal(t, 1.0, count)
}

func TestStartDBStatsCollector(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Open one pooled connection so the sampler has something to observe
	require.NoError(t, db.Ping())

	m := NewMetrics(prometheus.NewRegistry())
	stop := m.StartDBStatsCollector(db, 5*time.Millisecond)
	defer stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DBConnectionsIdle) == 1
	}, time.Second, 5*time.Millisecond)
}
