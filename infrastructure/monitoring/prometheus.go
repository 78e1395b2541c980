package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus instruments for the protection layer
type Collector struct {
	registry *prometheus.Registry

	decisionsTotal     *prometheus.CounterVec
	suspiciousTotal    *prometheus.CounterVec
	escalationsTotal   *prometheus.CounterVec
	storeDegradedTotal prometheus.Counter

	trackedKeys     prometheus.Gauge
	blockedEntities prometheus.Gauge
}

// NewCollector creates and registers the protection metrics on a fresh
// registry, so multiple instances in tests never collide.
func NewCollector(serviceName string) *Collector {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": serviceName}

	c := &Collector{
		registry: registry,
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "abuseguard",
			Name:        "decisions_total",
			Help:        "Protection decisions by category and outcome",
			ConstLabels: labels,
		}, []string{"category", "outcome"}),
		suspiciousTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "abuseguard",
			Name:        "suspicious_requests_total",
			Help:        "Requests flagged by the suspicious request detector",
			ConstLabels: labels,
		}, []string{"category", "tag"}),
		escalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "abuseguard",
			Name:        "block_escalations_total",
			Help:        "Identities escalated to a hard block",
			ConstLabels: labels,
		}, []string{"category", "trigger"}),
		storeDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "abuseguard",
			Name:        "counter_store_degradations_total",
			Help:        "Times the distributed counter store fell back to memory",
			ConstLabels: labels,
		}),
		trackedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "abuseguard",
			Name:        "tracked_keys",
			Help:        "Metric entries currently held across all maps",
			ConstLabels: labels,
		}),
		blockedEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "abuseguard",
			Name:        "blocked_entities",
			Help:        "Identities currently under a hard block",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		c.decisionsTotal,
		c.suspiciousTotal,
		c.escalationsTotal,
		c.storeDegradedTotal,
		c.trackedKeys,
		c.blockedEntities,
	)

	return c
}

// Registry exposes the underlying registry for the promhttp handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveDecision records the outcome of one protection decision.
func (c *Collector) ObserveDecision(category string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	c.decisionsTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveSuspicious records detector tags for a flagged request.
func (c *Collector) ObserveSuspicious(category string, tags []string) {
	for _, tag := range tags {
		c.suspiciousTotal.WithLabelValues(category, tag).Inc()
	}
}

// ObserveEscalation records an identity crossing into a hard block.
func (c *Collector) ObserveEscalation(category, trigger string) {
	c.escalationsTotal.WithLabelValues(category, trigger).Inc()
}

// ObserveDegradation records a counter store fallback onset.
func (c *Collector) ObserveDegradation() {
	c.storeDegradedTotal.Inc()
}

// SetGauges refreshes the slow-moving state gauges.
func (c *Collector) SetGauges(trackedKeys, blockedEntities int) {
	c.trackedKeys.Set(float64(trackedKeys))
	c.blockedEntities.Set(float64(blockedEntities))
}
