package events

import "github.com/prometheus/client_golang/prometheus"

var (
	published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_events_published_total",
			Help: "Messages handed to the event transport, partitioned by routing key",
		}, []string{"routing_key"},
	)

	publishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_events_publish_errors_total",
			Help: "Messages that could not be published, partitioned by routing key",
		}, []string{"routing_key"},
	)

	observationsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_observations_total",
			Help: "Observation log entries written, partitioned by resource kind",
		}, []string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(published, publishErrors, observationsWritten)
}
