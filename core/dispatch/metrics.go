package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is an Observer exporting dispatcher activity to Prometheus.
// Register it with AddObserver after construction.
type Metrics struct {
	workers     *prometheus.GaugeVec
	jobsTotal   *prometheus.CounterVec
	assignments prometheus.Counter
}

// NewMetrics builds and registers the dispatcher collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coromesh",
			Subsystem: "dispatch",
			Name:      "workers",
			Help:      "Workers currently known to the dispatcher, by health state.",
		}, []string{"state"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coromesh",
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		assignments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coromesh",
			Subsystem: "dispatch",
			Name:      "assignments_total",
			Help:      "Jobs placed on a worker.",
		}),
	}
	reg.MustRegister(m.workers, m.jobsTotal, m.assignments)
	return m
}

// OnStatus implements Observer. Worker gauges follow the state carried in
// the event, so they stay consistent with the dispatcher's own view.
func (m *Metrics) OnStatus(st Status) {
	switch st.Kind {
	case StatusWorkerRegistered:
		// Also emitted when a suspect worker revives.
		if st.PrevState == WorkerSuspect {
			m.workers.WithLabelValues(WorkerSuspect.String()).Dec()
		}
		m.workers.WithLabelValues(WorkerAlive.String()).Inc()
	case StatusWorkerSuspect:
		m.workers.WithLabelValues(st.PrevState.String()).Dec()
		m.workers.WithLabelValues(WorkerSuspect.String()).Inc()
	case StatusWorkerDead:
		m.workers.WithLabelValues(st.PrevState.String()).Dec()
	case StatusJobAssigned:
		m.assignments.Inc()
	case StatusJobCompleted:
		m.jobsTotal.WithLabelValues("completed").Inc()
	case StatusJobFailed:
		m.jobsTotal.WithLabelValues("failed").Inc()
	case StatusJobCancelled:
		m.jobsTotal.WithLabelValues("cancelled").Inc()
	}
}
