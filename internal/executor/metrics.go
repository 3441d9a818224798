package executor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks running execution totals, exported to Prometheus and
// readable in-process for status output.
type Metrics struct {
	executed  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	executedCtr  prometheus.Counter
	succeededCtr prometheus.Counter
	failedCtr    prometheus.Counter
}

// MetricsSnapshot is a point-in-time read.
type MetricsSnapshot struct {
	Executed    int64
	Succeeded   int64
	Failed      int64
	SuccessRate float64
}

// NewMetrics registers the executor counters with reg. A nil reg
// keeps the counters in-process only.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gadugi_tasks_executed_total",
			Help: "Tasks that reached a terminal state.",
		}),
		succeededCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gadugi_tasks_succeeded_total",
			Help: "Tasks that completed their full workflow.",
		}),
		failedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gadugi_tasks_failed_total",
			Help: "Tasks that ended failed, timed out, or cancelled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.executedCtr, m.succeededCtr, m.failedCtr)
	}
	return m
}

func (m *Metrics) record(succeeded bool) {
	m.executed.Add(1)
	m.executedCtr.Inc()
	if succeeded {
		m.succeeded.Add(1)
		m.succeededCtr.Inc()
	} else {
		m.failed.Add(1)
		m.failedCtr.Inc()
	}
}

// Snapshot returns current totals and the success rate.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Executed:  m.executed.Load(),
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
	}
	if s.Executed > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Executed)
	}
	return s
}
