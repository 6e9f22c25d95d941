// Package metrics exports relay activity to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-rpcbridge/relay"
)

const namespace = "mmate_rpcbridge"

// Collector implements relay.Metrics on Prometheus instruments
type Collector struct {
	relays   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

var _ relay.Metrics = (*Collector)(nil)

// NewCollector creates the relay instruments and registers them with reg.
// Outcome label series are created up front so that every terminal state is
// exported from the first scrape.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Relayed requests by terminal state.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Time from receiving a request to its terminal state.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_in_flight",
			Help:      "Requests currently being relayed.",
		}),
	}

	for _, collector := range []prometheus.Collector{c.relays, c.latency, c.inFlight} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register relay metrics: %w", err)
		}
	}

	for _, state := range relay.TerminalStates() {
		c.relays.WithLabelValues(state.String())
		c.latency.WithLabelValues(state.String())
	}

	return c, nil
}

// RelayStarted implements relay.Metrics
func (c *Collector) RelayStarted() {
	c.inFlight.Inc()
}

// RelayFinished implements relay.Metrics
func (c *Collector) RelayFinished(state relay.State, latency time.Duration) {
	c.inFlight.Dec()
	c.relays.WithLabelValues(state.String()).Inc()
	c.latency.WithLabelValues(state.String()).Observe(latency.Seconds())
}
