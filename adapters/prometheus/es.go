package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/metrics"
)

type esMetrics struct {
	storeAppendDuration prometheus.Histogram
	eventsAppended      *prometheus.CounterVec

	commandDuration  *prometheus.HistogramVec
	commandsHandled  *prometheus.CounterVec
	lockWaitDuration *prometheus.HistogramVec

	snapshotsTaken *prometheus.CounterVec

	projectionDuration *prometheus.HistogramVec
	projectionEvents   *prometheus.CounterVec

	eventsReplayed prometheus.Counter
}

// NewMetrics creates es.Metrics backed by Prometheus and registers every
// collector with reg. Registering twice on the same registry panics.
func NewMetrics(reg prometheus.Registerer) es.Metrics {
	m := &esMetrics{
		storeAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "esdemo_store_append_duration_seconds",
			Help:    "Event append latency in seconds",
			Buckets: defaultBuckets,
		}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esdemo_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"event_type"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esdemo_command_duration_seconds",
			Help:    "Command handling latency in seconds, lock wait included",
			Buckets: defaultBuckets,
		}, []string{"command"}),

		commandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esdemo_commands_total",
			Help: "Total number of commands handled",
		}, []string{"command", "outcome"}),

		lockWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esdemo_lock_wait_duration_seconds",
			Help:    "Time spent acquiring a named lock in seconds",
			Buckets: defaultBuckets,
		}, []string{"scope"}),

		snapshotsTaken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esdemo_snapshots_total",
			Help: "Total number of snapshots taken",
		}, []string{"auto"}),

		projectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esdemo_projection_duration_seconds",
			Help:    "Projection handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"projection"}),

		projectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esdemo_projection_events_total",
			Help: "Total number of events seen by projections",
		}, []string{"projection", "event_type", "outcome"}),

		eventsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "esdemo_events_replayed_total",
			Help: "Total number of events re-published by rebuilds",
		}),
	}

	reg.MustRegister(
		m.storeAppendDuration,
		m.eventsAppended,
		m.commandDuration,
		m.commandsHandled,
		m.lockWaitDuration,
		m.snapshotsTaken,
		m.projectionDuration,
		m.projectionEvents,
		m.eventsReplayed,
	)

	return m
}

func (m *esMetrics) StoreAppendDuration() metrics.Timer {
	return newTimer(m.storeAppendDuration)
}

func (m *esMetrics) EventsAppended(eventType string) {
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

func (m *esMetrics) CommandDuration(command string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(command))
}

func (m *esMetrics) CommandHandled(command, outcome string) {
	m.commandsHandled.WithLabelValues(command, outcome).Inc()
}

func (m *esMetrics) LockWaitDuration(scope string) metrics.Timer {
	return newTimer(m.lockWaitDuration.WithLabelValues(scope))
}

func (m *esMetrics) SnapshotTaken(auto bool) {
	m.snapshotsTaken.WithLabelValues(strconv.FormatBool(auto)).Inc()
}

func (m *esMetrics) ProjectionDuration(projection string) metrics.Timer {
	return newTimer(m.projectionDuration.WithLabelValues(projection))
}

func (m *esMetrics) ProjectionHandled(projection, eventType, outcome string) {
	m.projectionEvents.WithLabelValues(projection, eventType, outcome).Inc()
}

func (m *esMetrics) EventsReplayed(count int) {
	m.eventsReplayed.Add(float64(count))
}

var _ es.Metrics = (*esMetrics)(nil)
