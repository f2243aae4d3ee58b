// Package telemetry provides Prometheus metrics and correlation-id aware
// logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsDispatched  *prometheus.CounterVec
	BatchFlushes      prometheus.Counter
	SnapshotsWritten  prometheus.Counter
	SnapshotsFailed   prometheus.Counter
	HermesReconnects  prometheus.Counter
	HermesDeadClients prometheus.Counter
	HermesFramesDrop  prometheus.Counter
	InfoFetches       prometheus.Counter
	InfoFetchErrors   prometheus.Counter

	// Histograms
	BatchSize prometheus.Observer

	// Gauges
	SessionsGauge     prometheus.Gauge
	BatchPendingGauge prometheus.Gauge
	HermesClients     prometheus.Gauge
	HermesTopics      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamwatch_events_dispatched_total", Help: "Events dispatched into channel statistics registries"}, []string{"kind"})
		BatchFlushes = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_batch_flushes_total", Help: "Batched stream-info queries issued upstream"})
		SnapshotsWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_snapshots_written_total", Help: "Statistics snapshots persisted"})
		SnapshotsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_snapshots_failed_total", Help: "Statistics snapshot writes that failed"})
		HermesReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_hermes_reconnects_total", Help: "Hermes socket reconnection attempts"})
		HermesDeadClients = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_hermes_dead_clients_total", Help: "Hermes clients marked permanently dead"})
		HermesFramesDrop = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_hermes_frames_dropped_total", Help: "Malformed hermes frames dropped"})
		InfoFetches = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_info_fetches_total", Help: "Channel live-info fetches triggered"})
		InfoFetchErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_info_fetch_errors_total", Help: "Channel live-info fetches that failed"})
		BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamwatch_batch_size", Help: "Channels per batched stream-info query", Buckets: []float64{1, 2, 5, 10, 15, 20}})
		SessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamwatch_sessions", Help: "Channel sessions currently registered"})
		BatchPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamwatch_batch_pending", Help: "Channels awaiting a batched info query"})
		HermesClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamwatch_hermes_clients", Help: "Live hermes pool clients"})
		HermesTopics = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamwatch_hermes_topics", Help: "Channel topics subscribed across the hermes pool"})
	})
}

// CountEvent increments the dispatch counter for an event kind, tolerating an
// uninitialized registry in unit tests.
func CountEvent(kind string) {
	if EventsDispatched != nil {
		EventsDispatched.WithLabelValues(kind).Inc()
	}
}

// SetBatchPending records the deduplicated channels awaiting a batch.
func SetBatchPending(n int) {
	if BatchPendingGauge != nil {
		BatchPendingGauge.Set(float64(n))
	}
}

// ObserveBatchFlush records one upstream batch of the given size.
func ObserveBatchFlush(size int) {
	if BatchFlushes != nil {
		BatchFlushes.Inc()
	}
	if BatchSize != nil {
		BatchSize.Observe(float64(size))
	}
}

// SetSessions records the number of registered channel sessions.
func SetSessions(n int) {
	if SessionsGauge != nil {
		SessionsGauge.Set(float64(n))
	}
}

// IncInfoFetch counts one triggered live-info fetch.
func IncInfoFetch() {
	if InfoFetches != nil {
		InfoFetches.Inc()
	}
}

// IncInfoFetchError counts one failed live-info fetch.
func IncInfoFetchError() {
	if InfoFetchErrors != nil {
		InfoFetchErrors.Inc()
	}
}

// CountSnapshot records one snapshot write attempt.
func CountSnapshot(ok bool) {
	if ok && SnapshotsWritten != nil {
		SnapshotsWritten.Inc()
	}
	if !ok && SnapshotsFailed != nil {
		SnapshotsFailed.Inc()
	}
}

// IncHermesReconnect counts one socket dial attempt.
func IncHermesReconnect() {
	if HermesReconnects != nil {
		HermesReconnects.Inc()
	}
}

// IncHermesFrameDrop counts one malformed or unroutable frame.
func IncHermesFrameDrop() {
	if HermesFramesDrop != nil {
		HermesFramesDrop.Inc()
	}
}

// IncHermesDead counts one client marked permanently dead.
func IncHermesDead() {
	if HermesDeadClients != nil {
		HermesDeadClients.Inc()
	}
}

// SetHermesLoad records pool client and topic counts.
func SetHermesLoad(clients, topics int) {
	if HermesClients != nil {
		HermesClients.Set(float64(clients))
	}
	if HermesTopics != nil {
		HermesTopics.Set(float64(topics))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
