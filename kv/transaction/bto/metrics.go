package bto

import "github.com/prometheus/client_golang/prometheus"

var (
	validationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "bto",
			Name:      "validations_total",
			Help:      "Counter of timestamp-ordering validations.",
		}, []string{"action", "result"})

	activeTxnGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinydb",
			Subsystem: "bto",
			Name:      "active_transactions",
			Help:      "Number of transactions that began and did not end yet.",
		})
)

func init() {
	prometheus.MustRegister(validationCounter)
	prometheus.MustRegister(activeTxnGauge)
}
