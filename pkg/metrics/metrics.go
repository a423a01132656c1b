// Package metrics exposes Prometheus instruments for the order pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "m7sim"

// Drop reasons for DroppedMessages
const (
	DropIllegalTransition = "illegal_transition"
	DropUnknownOrder      = "unknown_order"
	DropStale             = "stale"
	DropMalformed         = "malformed"
	DropDeliveryExhausted = "delivery_exhausted"
)

// ============ Order service ============

// Submissions counts client submissions by result (accepted, invalid, duplicate, error)
var Submissions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "submissions_total",
		Help:      "Order submissions by result",
	},
	[]string{"result"},
)

// Transitions counts applied state transitions
var Transitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "transitions_total",
		Help:      "Applied order state transitions",
	},
	[]string{"from", "to"},
)

// DroppedMessages counts exchange messages dropped by the order service
var DroppedMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "dropped_messages_total",
		Help:      "Inbound messages dropped without a state change",
	},
	[]string{"reason"},
)

// StaleOrders is the number of orders past their status threshold at the last sweep
var StaleOrders = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "stale",
		Help:      "Non-terminal orders older than the sweep threshold at the last sweep",
	},
	[]string{"status"},
)

// ============ Exchange simulator ============

// SimulatorOutcomes counts fills, rejects and results given up on, by region
var SimulatorOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "outcomes_total",
		Help:      "Simulated execution outcomes",
	},
	[]string{"region", "outcome"},
)

// SimulatorDelay observes the drawn execution delay in milliseconds
var SimulatorDelay = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "execution_delay_ms",
		Help:      "Delay between acknowledgment and execution result",
		Buckets:   []float64{250, 500, 750, 1000, 1250, 1500, 1750, 2000, 3000},
	},
)

// ============ Notifier ============

// Notifications counts status notifications by delivery result
var Notifications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notifier",
		Name:      "notifications_total",
		Help:      "Status notifications by delivery result",
	},
	[]string{"delivered"},
)

// RecordTransition increments the transition counter
func RecordTransition(from, to string) {
	Transitions.WithLabelValues(from, to).Inc()
}

// RecordDrop increments the drop counter
func RecordDrop(reason string) {
	DroppedMessages.WithLabelValues(reason).Inc()
}

// RecordNotification increments the notification counter
func RecordNotification(delivered bool) {
	label := "false"
	if delivered {
		label = "true"
	}
	Notifications.WithLabelValues(label).Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
