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

// CacheOperation identifies the module cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records module cache read calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records module cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache read.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the entry was served from a cache tier.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates the entry was absent from both tiers.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the read failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates both cache tiers were written.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for dispatch, cache and deploy
// activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	dispatchRequests *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	deploys       *prometheus.CounterVec
	deployLatency *prometheus.HistogramVec
	uploadedFiles prometheus.Counter
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

	dispatchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appstage",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Total /capi function calls processed.",
	}, []string{"app", "outcome", "status_code"})

	dispatchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "appstage",
		Subsystem: "dispatch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed /capi calls.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"app", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appstage",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Module cache operations executed.",
	}, []string{"root", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "appstage",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for module cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"root", "operation", "result"})

	deploys := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appstage",
		Subsystem: "deploy",
		Name:      "runs_total",
		Help:      "Deploy pipeline runs by terminal outcome.",
	}, []string{"outcome"})

	deployLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "appstage",
		Subsystem: "deploy",
		Name:      "run_duration_seconds",
		Help:      "Latency distribution for deploy pipeline runs.",
		Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	uploadedFiles := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "appstage",
		Subsystem: "deploy",
		Name:      "uploaded_files_total",
		Help:      "Files uploaded to the hosting provider after content diff.",
	})

	reg.MustRegister(dispatchRequests, dispatchLatency, cacheOperations, cacheLatency, deploys, deployLatency, uploadedFiles)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		dispatchRequests: dispatchRequests,
		dispatchLatency:  dispatchLatency,
		cacheOperations:  cacheOperations,
		cacheLatency:     cacheLatency,
		deploys:          deploys,
		deployLatency:    deployLatency,
		uploadedFiles:    uploadedFiles,
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

// ObserveDispatch records the outcome and latency for a completed /capi call.
func (r *Recorder) ObserveDispatch(app, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	appLabel := normalizeLabel(app)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.dispatchRequests.WithLabelValues(appLabel, outcomeLabel, statusLabel).Inc()
	r.dispatchLatency.WithLabelValues(appLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a module cache read.
func (r *Recorder) ObserveCacheLookup(root string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(root), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a module cache store attempt.
func (r *Recorder) ObserveCacheStore(root string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(root), CacheOperationStore, resultLabel, duration)
}

// ObserveDeploy records one terminal deploy pipeline run.
func (r *Recorder) ObserveDeploy(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(outcome)
	r.deploys.WithLabelValues(outcomeLabel).Inc()
	r.deployLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// AddUploadedFiles counts files actually sent to the provider after the
// content diff.
func (r *Recorder) AddUploadedFiles(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.uploadedFiles.Add(float64(n))
}

func (r *Recorder) observeCache(root string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(root, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(root, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
