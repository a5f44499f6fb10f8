package server

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "server",
			Name:      "txns_total",
			Help:      "Counter of finished transactions, by outcome.",
		}, []string{"result"})

	retryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "server",
			Name:      "txn_retries_total",
			Help:      "Counter of transactions restarted after a conflict.",
		})

	statementCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "server",
			Name:      "statements_total",
			Help:      "Counter of executed statements, by kind.",
		}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(retryCounter)
	prometheus.MustRegister(statementCounter)
}
