package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evgw_events_ingested_total",
			Help: "Events accepted by the ingestion gateway",
		},
	)

	EnqueueFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evgw_enqueue_failures_total",
			Help: "Ingested events whose first enqueue failed and wait for the sweeper",
		},
	)

	DeliveryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evgw_delivery_outcomes_total",
			Help: "Delivery decisions by result",
		},
		[]string{"result"}, // delivered|retry_scheduled|exhausted|dead_lettered|discarded
	)

	NotifyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evgw_notify_latency_seconds",
			Help:    "Downstream notify latency by result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	AuthDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evgw_auth_decisions_total",
			Help: "Authorization decisions",
		},
		[]string{"decision"}, // allowed|rate_limited|unauthorized|error
	)

	SweptEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evgw_swept_events_total",
			Help: "Received events re-enqueued by the sweeper",
		},
	)

	ReclaimedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evgw_reclaimed_events_total",
			Help: "Expired events removed by the reaper",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evgw_queue_depth",
			Help: "Messages held by the delivery queue",
		},
		[]string{"state"}, // live|dead
	)

	OutcomeFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evgw_outcome_flushes_total",
			Help: "ClickHouse outcome batch flushes",
		},
		[]string{"status"}, // ok|error
	)
)

// MustRegister registers every collector once; repeated calls on the same
// registerer are no-ops.
func MustRegister(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		EventsIngested,
		EnqueueFailures,
		DeliveryOutcomes,
		NotifyLatency,
		AuthDecisions,
		SweptEvents,
		ReclaimedEvents,
		QueueDepth,
		OutcomeFlushes,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}
