package notes

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the collaborator interface named in §6: counters for
// processed/retried/dead-lettered records, a processing-duration
// histogram, and gauges for consumer lag and broker connectivity.
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	Retries           prometheus.Counter
	DLQ               prometheus.Counter
	ProcessingMillis  *prometheus.HistogramVec
	ConsumerLag       *prometheus.GaugeVec
	RedisConnected    prometheus.Gauge
}

// NewMetrics registers the worker's collectors against reg and returns the
// handles used to record observations. Bucket boundaries match §6 exactly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Records successfully processed by event type.",
		}, []string{"event_type"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retries_total",
			Help: "Records scheduled for redelivery.",
		}),
		DLQ: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlq_total",
			Help: "Records written to the dead-letter stream.",
		}),
		ProcessingMillis: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "processing_duration_ms",
			Help:    "Wall-clock time spent in the business hook, in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"event_type"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consumer_lag",
			Help: "Pending (delivered, unacked) entry count for the consumer group.",
		}, []string{"group"}),
		RedisConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redis_connected",
			Help: "1 if the broker connection is healthy, 0 otherwise.",
		}),
	}

	reg.MustRegister(m.MessagesProcessed, m.Retries, m.DLQ, m.ProcessingMillis, m.ConsumerLag, m.RedisConnected)
	return m
}
