package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	snapshotsProcessedTotal *prometheus.CounterVec
	receiptMutationsTotal   *prometheus.CounterVec
	pendingReadMessages     prometheus.Gauge
	pushEventsTotal         *prometheus.CounterVec
	reactionEventsTotal     *prometheus.CounterVec
	bridgeClientsActive     *prometheus.GaugeVec

	receiptPromotionsTotal *prometheus.CounterVec
	apiRequestsTotal       *prometheus.CounterVec
	apiLatencySeconds      *prometheus.HistogramVec
	apiErrorsTotal         *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors for the sync engine and the receipt API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		snapshotsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_snapshots_processed_total",
			Help: "Snapshots received from the realtime store, by stream.",
		}, []string{"stream"})

		receiptMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_receipt_mutations_total",
			Help: "Receipt status mutations issued by the engine.",
		}, []string{"status", "result"})

		pendingReadMessages = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_pending_read_messages",
			Help: "Messages delivered to inactive conversations and awaiting a read promotion.",
		})

		pushEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_push_events_total",
			Help: "Foreground push deliveries, by routing outcome.",
		}, []string{"outcome"})

		reactionEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_reaction_events_total",
			Help: "Reaction events routed to listeners, by source.",
		}, []string{"source", "event_type"})

		bridgeClientsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatsync_bridge_clients_active",
			Help: "UI clients attached to the engine bridge.",
		}, []string{"kind"})

		receiptPromotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_promotions_total",
			Help: "Receipt rows moved to a higher status by the receipt API.",
		}, []string{"status"})

		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_api_requests_total",
			Help: "Total number of receipt API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receipt_api_latency_seconds",
			Help:    "Latency distribution for receipt API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_api_errors_total",
			Help: "Total number of error responses returned by the receipt API.",
		}, []string{"method", "route", "status"})

		prometheus.MustRegister(
			snapshotsProcessedTotal,
			receiptMutationsTotal,
			pendingReadMessages,
			pushEventsTotal,
			reactionEventsTotal,
			bridgeClientsActive,
			receiptPromotionsTotal,
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
		)
	})
}

// SnapshotsProcessed counts realtime snapshots per stream.
func SnapshotsProcessed() *prometheus.CounterVec {
	RegisterMetrics()
	return snapshotsProcessedTotal
}

// ReceiptMutations counts receipt mutations by status and result.
func ReceiptMutations() *prometheus.CounterVec {
	RegisterMetrics()
	return receiptMutationsTotal
}

// PendingReadMessages tracks the size of every pending-read batch combined.
func PendingReadMessages() prometheus.Gauge {
	RegisterMetrics()
	return pendingReadMessages
}

// PushEvents counts push deliveries by outcome.
func PushEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return pushEventsTotal
}

// ReactionEvents counts routed reaction events.
func ReactionEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return reactionEventsTotal
}

// BridgeClientsActive tracks attached websocket and SSE clients.
func BridgeClientsActive() *prometheus.GaugeVec {
	RegisterMetrics()
	return bridgeClientsActive
}

// ReceiptPromotions counts stored receipt promotions.
func ReceiptPromotions() *prometheus.CounterVec {
	RegisterMetrics()
	return receiptPromotionsTotal
}

// APIRequests exposes the counter for receipt API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for receipt API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for receipt API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}
