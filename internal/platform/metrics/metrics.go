package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labgate_messages_ingested_total",
			Help: "Total analyzer messages ingested, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	observationsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labgate_observations_stored_total",
			Help: "Total observations stored, by analyzer",
		},
		[]string{"analyzer"},
	)

	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labgate_delivery_attempts_total",
			Help: "Delivery attempts against the downstream ERP, by outcome",
		},
		[]string{"outcome"},
	)

	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labgate_delivery_duration_seconds",
			Help:    "Duration of downstream delivery calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	dispatchPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labgate_dispatch_pass_duration_seconds",
			Help:    "Duration of one dispatcher pass over actionable observations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	pendingObservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labgate_pending_observations",
			Help: "Observations awaiting delivery as of the last dispatcher pass",
		},
	)

	examsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labgate_exams_closed_total",
			Help: "Exams closed after successful delivery",
		},
	)

	mappingReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labgate_mapping_reloads_total",
			Help: "Mapping table reloads, by outcome",
		},
		[]string{"outcome"},
	)

	examsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labgate_exams",
			Help: "Exams in the store, by status, as of the last maintenance run",
		},
		[]string{"status"},
	)

	observationsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labgate_observations",
			Help: "Observations in the store, by delivery status, as of the last maintenance run",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		messagesIngested,
		observationsStored,
		deliveryAttempts,
		deliveryDuration,
		dispatchPassDuration,
		pendingObservations,
		examsClosed,
		mappingReloads,
		examsByStatus,
		observationsByStatus,
	)
}

func RecordIngest(source, outcome string) {
	messagesIngested.WithLabelValues(source, outcome).Inc()
}

func RecordObservations(analyzer string, n int) {
	observationsStored.WithLabelValues(analyzer).Add(float64(n))
}

func RecordDelivery(outcome string, duration time.Duration) {
	deliveryAttempts.WithLabelValues(outcome).Inc()
	deliveryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordDispatchPass(duration time.Duration, pending int) {
	dispatchPassDuration.Observe(duration.Seconds())
	pendingObservations.Set(float64(pending))
}

func RecordExamClosed() {
	examsClosed.Inc()
}

func RecordMappingReload(outcome string) {
	mappingReloads.WithLabelValues(outcome).Inc()
}

// RecordPipelineStats publishes the store snapshot taken by the maintenance
// job.
func RecordPipelineStats(openExams, closedExams, pending, sent, errored, unmapped int) {
	examsByStatus.WithLabelValues("open").Set(float64(openExams))
	examsByStatus.WithLabelValues("closed").Set(float64(closedExams))
	observationsByStatus.WithLabelValues("pending").Set(float64(pending))
	observationsByStatus.WithLabelValues("sent").Set(float64(sent))
	observationsByStatus.WithLabelValues("error").Set(float64(errored))
	observationsByStatus.WithLabelValues("mapping_not_found").Set(float64(unmapped))
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
