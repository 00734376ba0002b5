package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	threadsCreated  prometheus.Counter
	threadsStarted  prometheus.Counter
	threadsExited   prometheus.Counter
	threadsRunning  prometheus.Gauge
	backendFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		threadsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "halcyon",
			Subsystem: "kernel",
			Name:      "threads_created_total",
			Help:      "Guest threads created.",
		}),
		threadsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "halcyon",
			Subsystem: "kernel",
			Name:      "threads_started_total",
			Help:      "Guest threads started on a host thread.",
		}),
		threadsExited: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "halcyon",
			Subsystem: "kernel",
			Name:      "threads_exited_total",
			Help:      "Guest threads that reached their terminal state.",
		}),
		threadsRunning: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "halcyon",
			Subsystem: "kernel",
			Name:      "threads_running",
			Help:      "Guest threads currently backed by a host thread.",
		}),
		backendFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "halcyon",
			Subsystem: "kernel",
			Name:      "cpu_backend_failures_total",
			Help:      "Fatal CPU backend results observed while running guest threads.",
		}),
	}
}
