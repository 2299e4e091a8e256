package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectAttemptsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easystart_exporter_connect_attempts_total",
	})
	exhaustedSequencesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easystart_exporter_connect_sequences_exhausted_total",
	})
	linkLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easystart_exporter_link_lost_total",
	})
	pollErrorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easystart_exporter_poll_errors_total",
	}, []string{"metric"})
	notificationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easystart_exporter_notifications_total",
	})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		connectAttemptsCounter,
		exhaustedSequencesCounter,
		linkLostCounter,
		pollErrorsCounter,
		notificationsCounter,
	)
}
