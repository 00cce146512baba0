package ledger

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "relaydoc_ledger"

// Metrics holds the ledger collectors on a private registry. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsSubmitted *prometheus.CounterVec
	TransactionsReverted  prometheus.Counter
	EventsEmitted         prometheus.Counter
	BlocksSealed          prometheus.Counter
	BlockHeight           prometheus.Gauge
	PendingTransactions   prometheus.Gauge
	Subscribers           prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		TransactionsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_submitted_total",
			Help:      "Transactions accepted into the queue",
		}, []string{"function"}),
		TransactionsReverted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_reverted_total",
			Help:      "Transactions reverted at seal time",
		}),
		EventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_emitted_total",
			Help:      "Text events emitted into sealed blocks",
		}),
		BlocksSealed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocks_sealed_total",
			Help:      "Blocks sealed, including empty ones",
		}),
		BlockHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "block_height",
			Help:      "Number of the most recent block",
		}),
		PendingTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_transactions",
			Help:      "Transactions waiting for a block",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscribers",
			Help:      "Live event subscriptions",
		}),
	}
}

// Registry exposes the private registry so other layers can add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) submitted(function string) {
	if m == nil {
		return
	}
	m.TransactionsSubmitted.WithLabelValues(function).Inc()
}

func (m *Metrics) sealed(emitted, reverted int) {
	if m == nil {
		return
	}
	m.BlocksSealed.Inc()
	m.EventsEmitted.Add(float64(emitted))
	m.TransactionsReverted.Add(float64(reverted))
}

func (m *Metrics) setHeight(height uint64) {
	if m == nil {
		return
	}
	m.BlockHeight.Set(float64(height))
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.PendingTransactions.Set(float64(n))
}

func (m *Metrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) subscriberRemoved() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}
