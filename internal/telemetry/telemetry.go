// Package telemetry exposes Prometheus metrics for the broadcast engine
// and API runtime, plus the gRPC health reporting the API runtime flips to
// SERVING once the validator sample is stable (spec §4.2, §4.3).
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/topos-protocol/tce-node/internal/engine"
)

// Recorder holds every metric the node exports.
type Recorder struct {
	BroadcastsTotal   *prometheus.CounterVec
	StreamsActive     prometheus.Gauge
	StorageCommits    prometheus.Counter
	StorageCommitTime prometheus.Histogram
}

// NewRecorder registers all metrics against reg (use
// prometheus.NewRegistry() for isolated tests, prometheus.DefaultRegisterer
// in production).
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topos",
			Subsystem: "tce",
			Name:      "broadcasts_total",
			Help:      "Number of certificate broadcasts by terminal status.",
		}, []string{"status"}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "topos",
			Subsystem: "tce",
			Name:      "watch_streams_active",
			Help:      "Number of currently open WatchCertificates streams.",
		}),
		StorageCommits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "topos",
			Subsystem: "tce",
			Name:      "storage_commits_total",
			Help:      "Number of certificates committed to the index.",
		}),
		StorageCommitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "topos",
			Subsystem: "tce",
			Name:      "storage_commit_seconds",
			Help:      "Latency of a single certificate commit to the index.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveEngineEvent updates broadcast counters from an engine event kind.
func (r *Recorder) ObserveEngineEvent(kind engine.EventKind) {
	switch kind {
	case engine.EventBroadcast:
		r.BroadcastsTotal.WithLabelValues("delivered").Inc()
	case engine.EventBroadcastFailed:
		r.BroadcastsTotal.WithLabelValues("failed").Inc()
	}
}

// ObserveCommit satisfies storage.CommitObserver.
func (r *Recorder) ObserveCommit(d time.Duration) {
	r.StorageCommits.Inc()
	r.StorageCommitTime.Observe(d.Seconds())
}

// StreamOpened/StreamClosed adjust the active-stream gauge; api.Server
// calls these around a WatchCertificates stream's lifetime.
func (r *Recorder) StreamOpened() { r.StreamsActive.Inc() }
func (r *Recorder) StreamClosed() { r.StreamsActive.Dec() }

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HealthReporter wraps grpc's standard health server, defaulting the
// TceService status to NOT_SERVING until MarkServing is called (once the
// validator sample stabilizes).
type HealthReporter struct {
	*health.Server
	serviceName string
}

// NewHealthReporter builds a HealthReporter for serviceName, starting in
// NOT_SERVING.
func NewHealthReporter(serviceName string) *HealthReporter {
	srv := health.NewServer()
	srv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{Server: srv, serviceName: serviceName}
}

// MarkServing flips the service to SERVING.
func (h *HealthReporter) MarkServing() {
	h.SetServingStatus(h.serviceName, healthpb.HealthCheckResponse_SERVING)
}

// MarkNotServing flips the service back to NOT_SERVING, e.g. during
// shutdown.
func (h *HealthReporter) MarkNotServing() {
	h.SetServingStatus(h.serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
}
