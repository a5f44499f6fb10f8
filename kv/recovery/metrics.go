package recovery

import "github.com/prometheus/client_golang/prometheus"

var (
	logEntryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "wal",
			Name:      "entries_total",
			Help:      "Counter of log entries appended, by event.",
		}, []string{"event"})

	checkpointCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "wal",
			Name:      "checkpoints_total",
			Help:      "Counter of checkpoints, by result.",
		}, []string{"result"})

	checkpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinydb",
			Subsystem: "wal",
			Name:      "checkpoint_duration_seconds",
			Help:      "Bucketed histogram of checkpoint duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	logSizeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinydb",
			Subsystem: "wal",
			Name:      "log_size_bytes",
			Help:      "Size of the durable log file after the last checkpoint.",
		})

	malformedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinydb",
			Subsystem: "wal",
			Name:      "malformed_records_total",
			Help:      "Counter of durable log lines skipped because they could not be decoded.",
		})
)

func init() {
	prometheus.MustRegister(logEntryCounter)
	prometheus.MustRegister(checkpointCounter)
	prometheus.MustRegister(checkpointDuration)
	prometheus.MustRegister(logSizeGauge)
	prometheus.MustRegister(malformedCounter)
}
