package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "workshop_rt"

// Metrics groups the collectors of the four realtime services. A nil
// *Metrics is valid and records nothing, which keeps tests free of registry
// plumbing.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	broadcastSends   *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	historySize      prometheus.Gauge
	notifications    *prometheus.CounterVec
	channelAttempts  *prometheus.CounterVec
	syncOperations   *prometheus.CounterVec
	syncQueueDepth   prometheus.Gauge
	conflicts        *prometheus.CounterVec
	batchDurationSec prometheus.Histogram
}

// MustNewMetrics registers every collector with reg. A collector that is
// already registered is reused so constructing twice against the same
// registry does not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "active",
			Help: "Live sessions currently registered.",
		}),
		broadcastSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "broadcast_sends_total",
			Help: "Per-peer broadcast attempts by result.",
		}, []string{"result"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "published_total",
			Help: "Events published by type.",
		}, []string{"type"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "handler_failures_total",
			Help: "Subscriber handler failures by event type.",
		}, []string{"type"}),
		historySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "history_size",
			Help: "Events retained in the history ring.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notification", Name: "transitions_total",
			Help: "Notification status transitions.",
		}, []string{"status"}),
		channelAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notification", Name: "channel_attempts_total",
			Help: "Channel delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		syncOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "operations_total",
			Help: "Sync operation transitions by status.",
		}, []string{"status"}),
		syncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "queue_depth",
			Help: "Operations waiting in the sync queue.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "conflicts_total",
			Help: "Conflicts by discrepancy kind and lifecycle action.",
		}, []string{"kind", "action"}),
		batchDurationSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "batch_duration_seconds",
			Help:    "Duration of one ProcessBatch call.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.sessionsActive = register(reg, m.sessionsActive)
	m.broadcastSends = register(reg, m.broadcastSends)
	m.eventsPublished = register(reg, m.eventsPublished)
	m.handlerFailures = register(reg, m.handlerFailures)
	m.historySize = register(reg, m.historySize)
	m.notifications = register(reg, m.notifications)
	m.channelAttempts = register(reg, m.channelAttempts)
	m.syncOperations = register(reg, m.syncOperations)
	m.syncQueueDepth = register(reg, m.syncQueueDepth)
	m.conflicts = register(reg, m.conflicts)
	m.batchDurationSec = register(reg, m.batchDurationSec)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) IncBroadcastSend(result string) {
	if m == nil {
		return
	}
	m.broadcastSends.WithLabelValues(result).Inc()
}

func (m *Metrics) IncEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncHandlerFailure(eventType string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetHistorySize(n int) {
	if m == nil {
		return
	}
	m.historySize.Set(float64(n))
}

func (m *Metrics) IncNotification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) IncChannelAttempt(channel, outcome string) {
	if m == nil {
		return
	}
	m.channelAttempts.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) IncSyncOperation(status string) {
	if m == nil {
		return
	}
	m.syncOperations.WithLabelValues(status).Inc()
}

func (m *Metrics) SetSyncQueueDepth(n int) {
	if m == nil {
		return
	}
	m.syncQueueDepth.Set(float64(n))
}

func (m *Metrics) IncConflict(kind, action string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) ObserveBatch(seconds float64) {
	if m == nil {
		return
	}
	m.batchDurationSec.Observe(seconds)
}
