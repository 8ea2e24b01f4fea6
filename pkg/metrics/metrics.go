// Package metrics exposes Prometheus collectors for the marketplace node.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eramarket"

var (
	// Registry holds the node's collectors
	Registry = prometheus.NewRegistry()

	gatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Inbound cross-chain calls by action, outcome and error code.",
		},
		[]string{"action", "outcome", "code"},
	)

	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Time to apply one inbound call.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		},
		[]string{"outcome"},
	)

	gatewayRefunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "refunds_total",
			Help:      "Calls whose attached value was returned, full or partial.",
		},
		[]string{"kind"},
	)

	ledgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "events_total",
			Help:      "Committed marketplace events by kind.",
		},
		[]string{"kind"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Connected event stream clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		gatewayCalls,
		gatewayDuration,
		gatewayRefunds,
		ledgerEvents,
		httpRequests,
		wsClients,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCall counts one inbound call; code is empty on success
func RecordCall(action, code string, duration time.Duration) {
	if action == "" {
		action = "undecoded"
	}
	outcome := "applied"
	if code != "" {
		outcome = "rejected"
	}
	gatewayCalls.WithLabelValues(action, outcome, code).Inc()
	gatewayDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRefund counts a returned value; kind is "full" or "change"
func RecordRefund(kind string) {
	gatewayRefunds.WithLabelValues(kind).Inc()
}

// RecordEvent counts one committed ledger event
func RecordEvent(kind string) {
	ledgerEvents.WithLabelValues(kind).Inc()
}

// ClientConnected / ClientDisconnected track the websocket hub
func ClientConnected()    { wsClients.Inc() }
func ClientDisconnected() { wsClients.Dec() }

// Middleware counts requests per mux route template
// Websocket upgrades and /metrics pass through untouched.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
