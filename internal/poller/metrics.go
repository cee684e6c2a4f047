package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	scheduledGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloudsync_poller_schedules",
		Help: "Number of (cloud, kind) polling schedules",
	})

	dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_poller_dispatched_total",
			Help: "Scheduled passes, partitioned by kind and outcome",
		}, []string{"kind", "result"},
	)

	autodisabled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudsync_poller_autodisabled_total",
		Help: "Clouds disabled after repeated machine listing failures",
	})
)

func init() {
	prometheus.MustRegister(scheduledGauge, dispatched, autodisabled)
}
