// Package metrics exposes Prometheus instruments for the coordination
// components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sqlcoord"

// Metrics groups every instrument. A Metrics built with a nil registerer
// works but is never scraped, which is what components use by default.
type Metrics struct {
	Published       *prometheus.CounterVec
	Delivered       *prometheus.CounterVec
	Acked           *prometheus.CounterVec
	Nacked          *prometheus.CounterVec
	DeadLettered    *prometheus.CounterVec
	Released        *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec

	LockAcquire   *prometheus.CounterVec
	LockLost      prometheus.Counter
	FenceRejected prometheus.Counter

	JobsScheduled   prometheus.Counter
	JobsDispatched  prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsRescheduled prometheus.Counter
	JobsFailed      prometheus.Counter

	CacheSignals *prometheus.CounterVec
}

// New creates the instruments and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_published_total",
			Help: "Messages inserted into queues, by destination queue.",
		}, []string{"queue"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_delivered_total",
			Help: "Messages leased to a handler.",
		}, []string{"queue"}),
		Acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_acked_total",
			Help: "Messages completed by a handler.",
		}, []string{"queue"}),
		Nacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_nacked_total",
			Help: "Messages returned to the queue after a handler failure.",
		}, []string{"queue"}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dead_lettered_total",
			Help: "Messages moved to the dead state.",
		}, []string{"queue"}),
		Released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_released_total",
			Help: "Leases handed back on shutdown.",
		}, []string{"queue"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_seconds",
			Help:    "Handler run time per delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		LockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_acquire_total",
			Help: "Lock acquisition attempts by result.",
		}, []string{"result"}),
		LockLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_lost_total",
			Help: "Held locks whose renewal failed.",
		}),
		FenceRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fence_rejected_total",
			Help: "Guarded writes rejected for presenting a stale fencing token.",
		}),
		JobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_scheduled_total",
			Help: "Jobs persisted by Schedule.",
		}),
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_dispatched_total",
			Help: "Job dispatch attempts handed to the transport.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total",
			Help: "Jobs confirmed done.",
		}),
		JobsRescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_rescheduled_total",
			Help: "Dispatched jobs moved back to pending.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_failed_total",
			Help: "Jobs that exhausted their attempts.",
		}),
		CacheSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_signals_total",
			Help: "Cache invalidation signals by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Published, m.Delivered, m.Acked, m.Nacked, m.DeadLettered, m.Released, m.HandlerDuration,
			m.LockAcquire, m.LockLost, m.FenceRejected,
			m.JobsScheduled, m.JobsDispatched, m.JobsCompleted, m.JobsRescheduled, m.JobsFailed,
			m.CacheSignals,
		)
	}
	return m
}

// OrNop returns m, or a fresh unregistered Metrics when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
