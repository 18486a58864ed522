package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSessionLifecycle(t *testing.T) {
	startedBefore := testutil.ToFloat64(SessionsStarted.WithLabelValues("manual"))
	activeBefore := testutil.ToFloat64(ActiveSessions)
	finishedBefore := testutil.ToFloat64(SessionsFinished.WithLabelValues("completed"))

	RecordSessionStart("manual")
	assert.Equal(t, startedBefore+1, testutil.ToFloat64(SessionsStarted.WithLabelValues("manual")))
	assert.Equal(t, activeBefore+1, testutil.ToFloat64(ActiveSessions))

	RecordSessionEnd("completed", time.Second)
	assert.Equal(t, activeBefore, testutil.ToFloat64(ActiveSessions))
	assert.Equal(t, finishedBefore+1, testutil.ToFloat64(SessionsFinished.WithLabelValues("completed")))
}

func TestRecordApproval(t *testing.T) {
	before := testutil.ToFloat64(Approvals.WithLabelValues("approved", "policy"))
	RecordApproval("approved", "policy")
	assert.Equal(t, before+1, testutil.ToFloat64(Approvals.WithLabelValues("approved", "policy")))
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware)
	r.HandleFunc("/api/v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := RequestsTotal.WithLabelValues("GET", "/api/v1/sessions/{id}", "404")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/sessions/abc", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestHandler(t *testing.T) {
	RecordChunk()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deckhand_chunks_forwarded_total")
}
