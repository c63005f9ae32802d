package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.StoreAppendDuration().ObserveDuration()
	m.EventsAppended("BookingWizardCompleted")
	m.EventsAppended("BookingWizardCompleted")

	m.CommandDuration("submit_booking").ObserveDuration()
	m.CommandHandled("submit_booking", es.OutcomeAppended)
	m.CommandHandled("submit_booking", es.OutcomeDuplicate)
	m.LockWaitDuration("booking_init").ObserveDuration()

	m.SnapshotTaken(true)
	m.SnapshotTaken(false)
	m.SnapshotTaken(false)

	m.ProjectionDuration("user_projection").ObserveDuration()
	m.ProjectionHandled("user_projection", "BookingWizardCompleted", es.OutcomeApplied)
	m.ProjectionHandled("user_projection", "BookingWizardCompleted", es.OutcomeSkipped)

	m.EventsReplayed(7)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"esdemo_store_append_duration_seconds",
		"esdemo_events_appended_total",
		"esdemo_command_duration_seconds",
		"esdemo_commands_total",
		"esdemo_lock_wait_duration_seconds",
		"esdemo_snapshots_total",
		"esdemo_projection_duration_seconds",
		"esdemo_projection_events_total",
		"esdemo_events_replayed_total",
	} {
		assert.True(t, names[name], name)
	}

	em := m.(*esMetrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(em.eventsAppended.WithLabelValues("BookingWizardCompleted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.commandsHandled.WithLabelValues("submit_booking", es.OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.snapshotsTaken.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(em.snapshotsTaken.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.projectionEvents.WithLabelValues("user_projection", "BookingWizardCompleted", es.OutcomeSkipped)))
	assert.Equal(t, 7.0, testutil.ToFloat64(em.eventsReplayed))
}

func TestNewMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestTimer(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_timer_seconds",
		Buckets: defaultBuckets,
	})
	reg := prometheus.NewRegistry()
	reg.MustRegister(h)

	newTimer(h).ObserveDuration()
	newTimer(h).ObserveDuration()

	assert.Equal(t, 1, testutil.CollectAndCount(h))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.Equal(t, uint64(2), mfs[0].GetMetric()[0].GetHistogram().GetSampleCount())
}
