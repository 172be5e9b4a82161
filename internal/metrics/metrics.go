package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing,
// so components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	feedUpdates    *prometheus.CounterVec
	feedDropped    *prometheus.CounterVec
	feedReconnects *prometheus.CounterVec
	feedConnected  *prometheus.GaugeVec
	boxEvents      *prometheus.CounterVec
	stakes         *prometheus.CounterVec
	balance        prometheus.Gauge
	wsClients      prometheus.Gauge
	frameSeconds   prometheus.Histogram
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		feedUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricegrid",
			Name:      "feed_updates_total",
			Help:      "Price updates accepted after throttling.",
		}, []string{"source", "symbol"}),
		feedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricegrid",
			Name:      "feed_dropped_total",
			Help:      "Feed messages dropped, by reason.",
		}, []string{"source", "reason"}),
		feedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricegrid",
			Name:      "feed_reconnects_total",
			Help:      "Scheduled reconnect or retry attempts.",
		}, []string{"source"}),
		feedConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pricegrid",
			Name:      "feed_connected",
			Help:      "1 while the feed connection is open.",
		}, []string{"source"}),
		boxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricegrid",
			Name:      "box_events_total",
			Help:      "Cell lifecycle events.",
		}, []string{"kind"}),
		stakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricegrid",
			Name:      "stake_transitions_total",
			Help:      "Stakes entering each status.",
		}, []string{"status"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pricegrid",
			Name:      "wallet_balance",
			Help:      "Current wallet balance.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pricegrid",
			Name:      "ws_clients",
			Help:      "Connected browser clients.",
		}),
		frameSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricegrid",
			Name:      "frame_seconds",
			Help:      "Time to compute one frame.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		}),
	}
	m.registry.MustRegister(
		m.feedUpdates, m.feedDropped, m.feedReconnects, m.feedConnected,
		m.boxEvents, m.stakes, m.balance, m.wsClients, m.frameSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FeedUpdate(source, symbol string) {
	if m == nil {
		return
	}
	m.feedUpdates.WithLabelValues(source, symbol).Inc()
}

func (m *Metrics) FeedDropped(source, reason string) {
	if m == nil {
		return
	}
	m.feedDropped.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) FeedReconnect(source string) {
	if m == nil {
		return
	}
	m.feedReconnects.WithLabelValues(source).Inc()
}

func (m *Metrics) FeedConnected(source string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.feedConnected.WithLabelValues(source).Set(v)
}

func (m *Metrics) BoxEvent(kind string) {
	if m == nil {
		return
	}
	m.boxEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) StakeTransition(status string) {
	if m == nil {
		return
	}
	m.stakes.WithLabelValues(status).Inc()
}

func (m *Metrics) SetBalance(v float64) {
	if m == nil {
		return
	}
	m.balance.Set(v)
}

func (m *Metrics) ClientsChanged(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) ObserveFrame(seconds float64) {
	if m == nil {
		return
	}
	m.frameSeconds.Observe(seconds)
}
