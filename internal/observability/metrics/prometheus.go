// Package metrics provides Prometheus metrics for the order service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	OrdersPlaced          *prometheus.CounterVec
	OrdersRejected        *prometheus.CounterVec
	OrdersDiscontinued    prometheus.Counter
	OrdersRevised         prometheus.Counter
	OrdersVoided          prometheus.Counter
	ExpiryInferred        *prometheus.CounterVec
	Violations            *prometheus.CounterVec
	ScheduleConflicts     prometheus.Counter
	ProcessingDuration    *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	ImportDuplicates      prometheus.Counter
	OutboxPending         prometheus.Gauge
	TerminologyConcepts   prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Total orders placed",
		}, []string{"urgency"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total orders rejected before persistence",
		}, []string{"reason"}),
		OrdersDiscontinued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_discontinued_total",
			Help: "Total orders discontinued",
		}),
		OrdersRevised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_revised_total",
			Help: "Total orders replaced by a revision",
		}),
		OrdersVoided: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_voided_total",
			Help: "Total orders voided",
		}),
		ExpiryInferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_expiry_inferred_total",
			Help: "Auto-expire dates inferred from dosing duration, by duration code",
		}, []string{"code"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_violations_total",
			Help: "Consistency violations reported, by field",
		}, []string{"field"}),
		ScheduleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "order_schedule_conflicts_total",
			Help: "Orders rejected for overlapping an active order of the same concept",
		}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "order_processing_duration_seconds",
			Help:    "Order operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		ImportDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "order_import_duplicates_total",
			Help: "Imported orders skipped because they were already processed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		TerminologyConcepts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terminology_concepts_loaded",
			Help: "Concepts with duration mappings in the current terminology snapshot",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.OrdersPlaced,
		m.OrdersRejected,
		m.OrdersDiscontinued,
		m.OrdersRevised,
		m.OrdersVoided,
		m.ExpiryInferred,
		m.Violations,
		m.ScheduleConflicts,
		m.ProcessingDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.ImportDuplicates,
		m.OutboxPending,
		m.TerminologyConcepts,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
