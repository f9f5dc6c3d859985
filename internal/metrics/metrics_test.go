package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulingMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	m.ObserveOperation("schedule", "ok", 0.01)
	m.ObserveOperation("schedule", "ok", 0.02)
	m.IncRollback("approve")
	m.ObserveMerge(2, 1, 0, 3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("schedule", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("approve")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.mergedEntries.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeConflicts))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var s *SchedulingMetrics
	var srv *ServerMetrics
	assert.NotPanics(t, func() {
		s.ObserveOperation("schedule", "ok", 1)
		s.IncRollback("schedule")
		s.ObserveMerge(1, 1, 1, 1, 1)
		srv.ObserveRequest("/appointments", "200", 1)
		srv.IncLockFailure("create")
		srv.AddExpired(3)
	})
}

func TestServerMetricsCount(t *testing.T) {
	m := NewServerMetrics(prometheus.NewRegistry())
	m.AddExpired(4)
	m.IncLockFailure("create")
	assert.Equal(t, 4.0, testutil.ToFloat64(m.expired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockFailures.WithLabelValues("create")))
}
