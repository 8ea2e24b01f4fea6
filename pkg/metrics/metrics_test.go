package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCall(t *testing.T) {
	before := testutil.ToFloat64(gatewayCalls.WithLabelValues("buy", "rejected", "ListingInactive"))
	RecordCall("buy", "ListingInactive", time.Millisecond)
	after := testutil.ToFloat64(gatewayCalls.WithLabelValues("buy", "rejected", "ListingInactive"))
	if after-before != 1 {
		t.Errorf("counter moved by %v, want 1", after-before)
	}

	before = testutil.ToFloat64(gatewayCalls.WithLabelValues("undecoded", "applied", ""))
	RecordCall("", "", time.Millisecond)
	if got := testutil.ToFloat64(gatewayCalls.WithLabelValues("undecoded", "applied", "")); got-before != 1 {
		t.Errorf("empty action should count as undecoded")
	}
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware)
	r.HandleFunc("/api/v1/listings/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := httpRequests.WithLabelValues("GET", "/api/v1/listings/{id}", "404")
	before := testutil.ToFloat64(c)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/listings/7", nil))
	if got := testutil.ToFloat64(c); got-before != 1 {
		t.Errorf("route counter moved by %v, want 1", got-before)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordEvent("Listed")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "eramarket_ledger_events_total") {
		t.Errorf("metrics output missing ledger events")
	}
}
