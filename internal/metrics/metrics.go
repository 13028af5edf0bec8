package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bot's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fetches    *prometheus.CounterVec
	fallbacks  *prometheus.CounterVec
	ticks      *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radarbot",
			Name:      "fetch_total",
			Help:      "Ranking fetches by source and outcome kind.",
		}, []string{"source", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radarbot",
			Name:      "source_fallback_total",
			Help:      "Automatic fallbacks between sources by triggering kind.",
		}, []string{"from", "to", "kind"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radarbot",
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radarbot",
			Name:      "deliveries_total",
			Help:      "Chart deliveries by trigger and result.",
		}, []string{"trigger", "result"}),
	}
	m.registry.MustRegister(m.fetches, m.fallbacks, m.ticks, m.deliveries)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ObserveFallback(from, to, kind string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(from, to, kind).Inc()
}

func (m *Metrics) ObserveTick(result string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDelivery(trigger, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(trigger, result).Inc()
}
