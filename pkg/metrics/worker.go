package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics records delivery-loop counters exposed on /metrics.
type WorkerMetrics struct {
	processed          *prometheus.CounterVec
	busPublishes       *prometheus.CounterVec
	fcmSends           *prometheus.CounterVec
	wakeSignalsDropped prometheus.Counter
	listenerReconnects prometheus.Counter
	tokensRemoved      prometheus.Counter
	commitRetries      prometheus.Counter
	batchDuration      prometheus.Histogram
}

// NewWorkerMetrics registers the worker metrics on the provided registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		return &WorkerMetrics{}
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_processed_total",
		Help: "Notification rows processed, labelled by delivery outcome.",
	}, []string{"outcome"})
	busPublishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_bus_publish_total",
		Help: "Publishes attempted against the realtime bus.",
	}, []string{"result"})
	fcmSends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_fcm_send_total",
		Help: "FCM sends attempted, labelled by per-target result.",
	}, []string{"result"})
	wakeSignalsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_wake_signals_dropped_total",
		Help: "NOTIFY wake signals dropped because the wake channel was full.",
	})
	listenerReconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_listener_reconnects_total",
		Help: "Reconnects of the LISTEN session.",
	})
	tokensRemoved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_tokens_removed_total",
		Help: "Push tokens removed after authoritative not-registered responses.",
	})
	commitRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_commit_retries_total",
		Help: "Retries of outcome commits after database errors.",
	})
	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "notifications_batch_duration_seconds",
		Help:    "Duration of one batch fetch-and-dispatch cycle.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(processed, busPublishes, fcmSends, wakeSignalsDropped, listenerReconnects, tokensRemoved, commitRetries, batchDuration)
	return &WorkerMetrics{
		processed:          processed,
		busPublishes:       busPublishes,
		fcmSends:           fcmSends,
		wakeSignalsDropped: wakeSignalsDropped,
		listenerReconnects: listenerReconnects,
		tokensRemoved:      tokensRemoved,
		commitRetries:      commitRetries,
		batchDuration:      batchDuration,
	}
}

// IncProcessed increments the processed counter for the given outcome.
func (m *WorkerMetrics) IncProcessed(outcome string) {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncBusPublish increments the bus publish counter for the given result.
func (m *WorkerMetrics) IncBusPublish(result string) {
	if m == nil || m.busPublishes == nil {
		return
	}
	m.busPublishes.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncFCMSend increments the FCM send counter for the given result.
func (m *WorkerMetrics) IncFCMSend(result string) {
	if m == nil || m.fcmSends == nil {
		return
	}
	m.fcmSends.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncWakeSignalDropped counts a wake signal dropped on channel overflow.
func (m *WorkerMetrics) IncWakeSignalDropped() {
	if m == nil || m.wakeSignalsDropped == nil {
		return
	}
	m.wakeSignalsDropped.Inc()
}

// IncListenerReconnect counts one LISTEN session reconnect.
func (m *WorkerMetrics) IncListenerReconnect() {
	if m == nil || m.listenerReconnects == nil {
		return
	}
	m.listenerReconnects.Inc()
}

// IncTokenRemoved counts one device token reaped from the registry.
func (m *WorkerMetrics) IncTokenRemoved() {
	if m == nil || m.tokensRemoved == nil {
		return
	}
	m.tokensRemoved.Inc()
}

// IncCommitRetry counts one retried outcome commit.
func (m *WorkerMetrics) IncCommitRetry() {
	if m == nil || m.commitRetries == nil {
		return
	}
	m.commitRetries.Inc()
}

// ObserveBatchDuration records the duration of one processing cycle.
func (m *WorkerMetrics) ObserveBatchDuration(duration time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
