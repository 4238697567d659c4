package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/karma-ledger/ledger"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordAward(ledger.SourceManualGrant, "ok")
	m.RecordAward(ledger.SourceManualGrant, "ok")
	m.RecordAward(ledger.SourceTaskCompletion, "orphaned")
	m.RecordOrphan()
	m.RecordNotifyFailure()
	m.RecordReconcile(ledger.ReconcileReport{
		FinishedAt: time.Unix(1700000000, 0),
		Drifts:     []ledger.Drift{{}, {}},
	})

	body := scrape(t, m)
	assert.Contains(t, body, `karma_ledger_awards_total{outcome="ok",source="manual_grant"} 2`)
	assert.Contains(t, body, `karma_ledger_awards_total{outcome="orphaned",source="task_completion"} 1`)
	assert.Contains(t, body, "karma_ledger_orphaned_events_total 1")
	assert.Contains(t, body, "karma_notify_failures_total 1")
	assert.Contains(t, body, "karma_reconcile_drifted_scopes 2")
	assert.Contains(t, body, "karma_reconcile_last_run_timestamp_seconds 1.7e+09")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestInstrument_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/api/families/{familyId}/karma", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	for _, fam := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/families/"+fam+"/karma", nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	body := scrape(t, m)
	assert.Contains(t, body, `karma_http_requests_total{method="GET",route="/api/families/{familyId}/karma",status="418"} 3`)
	assert.False(t, strings.Contains(body, `/api/families/a/karma`))
}
