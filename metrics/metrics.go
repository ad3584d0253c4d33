// Package metrics exports DENSE engine activity as Prometheus metrics.
//
// Every method is safe to call on a nil *Collector, so components can take an
// optional collector without guarding each call.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dense"

// Collector holds the engine's metrics.
type Collector struct {
	keyShares         *prometheus.CounterVec
	exposures         *prometheus.CounterVec
	alerts            prometheus.Counter
	chunksSent        *prometheus.CounterVec
	reassemblyExpired prometheus.Counter
	knownContacts     prometheus.Gauge
}

// New creates a Collector and registers it with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		keyShares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyshares_received_total",
			Help:      "Key-share advertisements received, by result.",
		}, []string{"result"}),
		exposures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exposures_processed_total",
			Help:      "Exposure envelopes run through the verification pipeline, by outcome.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Exposure alerts raised.",
		}),
		chunksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Exposure writes sent, by transfer mode.",
		}, []string{"mode"}),
		reassemblyExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reassembly_expired_total",
			Help:      "Reassembly contexts abandoned before completion.",
		}),
		knownContacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_contacts",
			Help:      "Contacts currently in the registry.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.keyShares, c.exposures, c.alerts, c.chunksSent, c.reassemblyExpired, c.knownContacts,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// KeyShareReceived counts one advertisement with the given result.
func (c *Collector) KeyShareReceived(result string) {
	if c == nil {
		return
	}
	c.keyShares.WithLabelValues(result).Inc()
}

// ExposureProcessed counts one pipeline run ending in outcome.
func (c *Collector) ExposureProcessed(outcome string) {
	if c == nil {
		return
	}
	c.exposures.WithLabelValues(outcome).Inc()
}

// Alert counts one raised alert.
func (c *Collector) Alert() {
	if c == nil {
		return
	}
	c.alerts.Inc()
}

// ChunksSent counts n writes sent in mode.
func (c *Collector) ChunksSent(mode string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.chunksSent.WithLabelValues(mode).Add(float64(n))
}

// ReassemblyExpired counts one abandoned reassembly.
func (c *Collector) ReassemblyExpired() {
	if c == nil {
		return
	}
	c.reassemblyExpired.Inc()
}

// SetKnownContacts records the registry size.
func (c *Collector) SetKnownContacts(n int) {
	if c == nil {
		return
	}
	c.knownContacts.Set(float64(n))
}
