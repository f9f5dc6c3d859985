package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "portal"

// SchedulingMetrics covers the client-side orchestrator and reconciler.
type SchedulingMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	rollbacks      *prometheus.CounterVec
	mergedEntries  *prometheus.CounterVec
	mergeConflicts prometheus.Counter
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "operations_total",
			Help:      "Scheduling operations by outcome",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "operation_latency_seconds",
			Help:      "Latency of scheduling operations including the remote call",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "rollbacks_total",
			Help:      "Optimistic changes undone after a failed remote write",
		}, []string{"operation"}),
		mergedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "merged_entries_total",
			Help:      "Entries touched by external merges",
		}, []string{"result"}),
		mergeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "merge_conflicts_total",
			Help:      "Double bookings detected while merging external snapshots",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.latency, m.rollbacks, m.mergedEntries, m.mergeConflicts)
	return m
}

func (m *SchedulingMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(seconds)
}

func (m *SchedulingMetrics) IncRollback(operation string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(operation).Inc()
}

func (m *SchedulingMetrics) ObserveMerge(added, updated, removed, skipped, conflicts int) {
	if m == nil {
		return
	}
	m.mergedEntries.WithLabelValues("added").Add(float64(added))
	m.mergedEntries.WithLabelValues("updated").Add(float64(updated))
	m.mergedEntries.WithLabelValues("removed").Add(float64(removed))
	m.mergedEntries.WithLabelValues("skipped").Add(float64(skipped))
	m.mergeConflicts.Add(float64(conflicts))
}

// ServerMetrics covers the persistence API.
type ServerMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	lockFailures *prometheus.CounterVec
	expired      prometheus.Counter
}

func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_latency_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		lockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "lock_failures_total",
			Help:      "Doctor lock acquisitions that failed",
		}, []string{"operation"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "expired_requests_total",
			Help:      "Stale pending requests rejected by the expiry worker",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requests, m.latency, m.lockFailures, m.expired)
	return m
}

func (m *ServerMetrics) ObserveRequest(route, code string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
	m.latency.WithLabelValues(route).Observe(seconds)
}

func (m *ServerMetrics) IncLockFailure(operation string) {
	if m == nil {
		return
	}
	m.lockFailures.WithLabelValues(operation).Inc()
}

func (m *ServerMetrics) AddExpired(n int) {
	if m == nil {
		return
	}
	m.expired.Add(float64(n))
}
