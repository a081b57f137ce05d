package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_kafka_messages_total",
			Help: "Total messages consumed from the bus, by topic and decoded type.",
		},
		[]string{"topic", "type"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_decode_errors_total",
			Help: "Envelope decode failures by topic and reason.",
		},
		[]string{"topic", "reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_db_write_duration_seconds",
			Help:    "DB batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"writer_type", "table"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_db_rows_affected_total",
			Help: "Rows written by table and operation.",
		},
		[]string{"table", "op"},
	)

	DBWriteErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_db_write_errors_total",
			Help: "Batches dropped after exhausting retries, by table.",
		},
		[]string{"table"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_batch_size",
			Help:    "Batch sizes flushed to the database.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"writer_type"},
	)

	WriterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_writer_queue_depth",
			Help: "Current items queued per writer.",
		},
		[]string{"writer_type", "writer_id"},
	)

	WriterPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_writer_pool_size",
			Help: "Number of active writers per writer type.",
		},
		[]string{"writer_type"},
	)

	WriterScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_writer_scale_events_total",
			Help: "Writer pool scale-up/scale-down/rebalance events.",
		},
		[]string{"writer_type", "direction"},
	)

	RouterCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_router_cache_size",
			Help: "Entries currently held in the router cache.",
		},
	)

	AttrDedupCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_attr_dedup_cache_size",
			Help: "Entries currently held in the attribute dedup cache.",
		},
	)

	AttrDedupSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_attr_dedup_suppressed_total",
			Help: "Base attribute upserts suppressed by the dedup cache.",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_subscriptions_active",
			Help: "Currently active notification subscriptions.",
		},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_notifications_sent_total",
			Help: "Notifications produced to the notification topic.",
		},
		[]string{"resource"},
	)

	NotificationsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_notifications_failed_total",
			Help: "Notification produce failures.",
		},
	)

	IntakeRequeueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_intake_requeue_total",
			Help: "Intake items requeued after a writer became unavailable mid-route.",
		},
		[]string{"writer_type"},
	)

	ConsumerPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_consumer_paused",
			Help: "1 if the consumer currently has fetch paused for backpressure, else 0.",
		},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aggregator_last_msg_timestamp_seconds",
			Help: "Unix timestamp of the last processed message, by topic.",
		},
		[]string{"topic"},
	)
)

var registerOnce sync.Once

// Register registers every collector once; later calls are no-ops.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		KafkaMessagesTotal,
		DecodeErrorsTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		DBWriteErrorsTotal,
		BatchSize,
		WriterQueueDepth,
		WriterPoolSize,
		WriterScaleEventsTotal,
		RouterCacheSize,
		AttrDedupCacheSize,
		AttrDedupSuppressedTotal,
		SubscriptionsActive,
		NotificationsSentTotal,
		NotificationsFailedTotal,
		IntakeRequeueTotal,
		ConsumerPaused,
		LastMsgTimestamp,
	)
}
