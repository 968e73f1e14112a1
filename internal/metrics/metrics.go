package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records versioned store lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records versioned store write attempts.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationDelete records whole-version delete attempts.
	CacheOperationDelete CacheOperation = "delete"
)

// CacheResult captures the outcome of a cache operation.
type CacheResult string

const (
	CacheResultHit     CacheResult = "hit"
	CacheResultMiss    CacheResult = "miss"
	CacheResultStored  CacheResult = "stored"
	CacheResultDeleted CacheResult = "deleted"
	CacheResultError   CacheResult = "error"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	upstreamRequests *prometheus.CounterVec

	lifecycleTransitions *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagehand",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by lane, outcome, and status code.",
	}, []string{"lane", "outcome", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stagehand",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed intercepted requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"lane", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagehand",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Versioned cache store operations executed by the worker.",
	}, []string{"operation", "result"})

	upstreamRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagehand",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Requests forwarded to the upstream API host by lane and status class.",
	}, []string{"lane", "status_class"})

	lifecycleTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stagehand",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Worker lifecycle state transitions.",
	}, []string{"from", "to"})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, upstreamRequests, lifecycleTransitions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:             reg,
		handler:              handler,
		fetchRequests:        fetchRequests,
		fetchLatency:         fetchLatency,
		cacheOperations:      cacheOperations,
		upstreamRequests:     upstreamRequests,
		lifecycleTransitions: lifecycleTransitions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records the outcome and latency for a completed intercepted
// request.
func (r *Recorder) ObserveFetch(lane, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	laneLabel := normalizeLabel(lane)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetchRequests.WithLabelValues(laneLabel, outcomeLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(laneLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a versioned store operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheResultError)
	}
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
}

// ObserveUpstream records a forwarded upstream exchange. Status class is
// derived from the response code, or "error" when the exchange failed before
// a response arrived.
func (r *Recorder) ObserveUpstream(lane string, statusCode int, failed bool) {
	if r == nil {
		return
	}
	class := "error"
	if !failed && statusCode > 0 {
		class = strconv.Itoa(statusCode/100) + "xx"
	}
	r.upstreamRequests.WithLabelValues(normalizeLabel(lane), class).Inc()
}

// ObserveTransition records a worker lifecycle state transition.
func (r *Recorder) ObserveTransition(from, to string) {
	if r == nil {
		return
	}
	r.lifecycleTransitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
