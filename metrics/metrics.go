// Package metrics exposes the orchestrator's Prometheus instrumentation
// behind a small capability interface, so components can record metrics
// without caring whether metrics collection is actually enabled.
//
// Grounded on reyisjones-GPU_Orchestrator's internal/metrics/metrics.go:
// CounterVec/HistogramVec fields on a single struct, Record* methods
// hiding the label plumbing from callers. That package registers against
// controller-runtime's global registry; here there is no such runtime, so
// Live owns its own prometheus.Registry and exposes it for promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the capability every component depends on. Stub discards
// everything, so running with metrics disabled costs nothing beyond a vtable
// call — the FORGE_METRICS_ENABLED toggle (envconfig.MetricsEnabled)
// selects which implementation gets wired at startup.
type Recorder interface {
	SessionStarted(modelType string)
	SessionCompleted(modelType string, durationSeconds float64)
	SessionFailed(modelType, reason string)
	ModelLoaded(deviceID string, byteSize float64)
	ModelEvicted(reason string)
	CacheBytesInUse(total float64)
	WorkerState(deviceID, state string)
}

// Stub discards every recording. Used when metrics collection is
// disabled so hot paths never branch on a feature flag.
type Stub struct{}

func (Stub) SessionStarted(string)             {}
func (Stub) SessionCompleted(string, float64)  {}
func (Stub) SessionFailed(string, string)      {}
func (Stub) ModelLoaded(string, float64)       {}
func (Stub) ModelEvicted(string)               {}
func (Stub) CacheBytesInUse(float64)           {}
func (Stub) WorkerState(string, string)        {}

// Live records real Prometheus metrics against its own registry.
type Live struct {
	Registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	sessionsFailed   *prometheus.CounterVec
	modelsLoaded     *prometheus.CounterVec
	modelBytesLoaded *prometheus.HistogramVec
	modelsEvicted    *prometheus.CounterVec
	cacheBytesInUse  prometheus.Gauge
	workerState      *prometheus.GaugeVec
}

// NewLive builds a Live recorder with a fresh registry and registers
// every collector against it.
func NewLive() *Live {
	reg := prometheus.NewRegistry()

	l := &Live{
		Registry: reg,
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_sessions_started_total",
			Help: "Total number of inference sessions created, by model type.",
		}, []string{"model_type"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_session_duration_seconds",
			Help:    "Completed session duration in seconds, by model type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"model_type"}),
		sessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_sessions_failed_total",
			Help: "Total number of failed inference sessions, by model type and reason.",
		}, []string{"model_type", "reason"}),
		modelsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_models_loaded_total",
			Help: "Total number of successful load_model calls, by device.",
		}, []string{"device_id"}),
		modelBytesLoaded: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_model_bytes_loaded",
			Help:    "Byte size of models loaded onto a device.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 12),
		}, []string{"device_id"}),
		modelsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_models_evicted_total",
			Help: "Total number of cache evictions, by reason (budget, idle, orphaned).",
		}, []string{"reason"}),
		cacheBytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forge_cache_bytes_in_use",
			Help: "Current Σ cache entry size, in bytes.",
		}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forge_worker_state",
			Help: "1 for the state the worker for device_id last reported; its earlier states have no series.",
		}, []string{"device_id", "state"}),
	}

	reg.MustRegister(
		l.sessionsStarted, l.sessionDuration, l.sessionsFailed,
		l.modelsLoaded, l.modelBytesLoaded, l.modelsEvicted,
		l.cacheBytesInUse, l.workerState,
	)
	return l
}

func (l *Live) SessionStarted(modelType string) {
	l.sessionsStarted.WithLabelValues(modelType).Inc()
}

func (l *Live) SessionCompleted(modelType string, durationSeconds float64) {
	l.sessionDuration.WithLabelValues(modelType).Observe(durationSeconds)
}

func (l *Live) SessionFailed(modelType, reason string) {
	l.sessionsFailed.WithLabelValues(modelType, reason).Inc()
}

func (l *Live) ModelLoaded(deviceID string, byteSize float64) {
	l.modelsLoaded.WithLabelValues(deviceID).Inc()
	l.modelBytesLoaded.WithLabelValues(deviceID).Observe(byteSize)
}

func (l *Live) ModelEvicted(reason string) {
	l.modelsEvicted.WithLabelValues(reason).Inc()
}

func (l *Live) CacheBytesInUse(total float64) {
	l.cacheBytesInUse.Set(total)
}

func (l *Live) WorkerState(deviceID, state string) {
	l.workerState.DeletePartialMatch(prometheus.Labels{"device_id": deviceID})
	l.workerState.WithLabelValues(deviceID, state).Set(1)
}

// New returns Stub{} when enabled is false, else a fresh Live recorder.
// Wired from envconfig.MetricsEnabled() at startup.
func New(enabled bool) Recorder {
	if !enabled {
		return Stub{}
	}
	return NewLive()
}
