package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	rowsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "storage",
			Name:      "rows_total",
			Help:      "Counter of rows read or changed, by operation.",
		}, []string{"op"})

	bufferCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "storage",
			Name:      "buffers_total",
			Help:      "Counter of transaction buffers, by outcome.",
		}, []string{"result"})

	indexBuildCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "storage",
			Name:      "index_builds_total",
			Help:      "Counter of index rebuilds of a table version.",
		})

	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinydb",
			Subsystem: "storage",
			Name:      "flush_duration_seconds",
			Help:      "Bucketed histogram of committed store flush duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(rowsCounter)
	prometheus.MustRegister(bufferCounter)
	prometheus.MustRegister(indexBuildCounter)
	prometheus.MustRegister(flushDuration)
}
