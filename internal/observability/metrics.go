package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the paywall's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Labels: outcome (created, reused, already_owned, invalid, not_found, provider_error, store_error)
	purchaseIntents *prometheus.CounterVec
	// Labels: event (succeeded, payment_failed, other), result (applied, noop, reconstructed, not_found, anomaly, ignored, duplicate, error)
	webhookEvents *prometheus.CounterVec
	// Labels: result (free, owned, locked, anonymous)
	entitlementChecks *prometheus.CounterVec
	// Labels: operation (create, retrieve)
	processorLatency    *prometheus.HistogramVec
	stalePendingDeleted prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		purchaseIntents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paywall",
			Name:      "purchase_intents_total",
			Help:      "Purchase initiation requests by outcome",
		}, []string{"outcome"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paywall",
			Name:      "webhook_events_total",
			Help:      "Verified payment notifications by event type and handling result",
		}, []string{"event", "result"}),
		entitlementChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paywall",
			Name:      "entitlement_checks_total",
			Help:      "Chapter access decisions by result",
		}, []string{"result"}),
		processorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paywall",
			Name:      "processor_request_seconds",
			Help:      "Payment processor call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),
		stalePendingDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paywall",
			Name:      "stale_pending_deleted_total",
			Help:      "Pending purchases removed by the sweeper",
		}),
	}
}

func (m *Metrics) PurchaseIntent(outcome string) {
	if m == nil {
		return
	}
	m.purchaseIntents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookEvent(event, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, result).Inc()
}

func (m *Metrics) EntitlementCheck(result string) {
	if m == nil {
		return
	}
	m.entitlementChecks.WithLabelValues(result).Inc()
}

// ObserveProcessor records the latency of a processor call started at start.
func (m *Metrics) ObserveProcessor(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.processorLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) StalePendingDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.stalePendingDeleted.Add(float64(n))
}
