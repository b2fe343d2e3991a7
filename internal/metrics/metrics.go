// Package metrics exposes Prometheus instrumentation for the
// acknowledgement pipeline: envelope emission and resolution counts,
// in-flight depth, and broker-side commit activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AckCollector bundles the collectors for one acknowledgement pipeline.
// All methods are safe on a nil receiver so that instrumentation stays
// optional for library consumers.
type AckCollector struct {
	registry *prometheus.Registry

	envelopesEmitted prometheus.Counter
	envelopesAdded   prometheus.Counter
	acked            prometheus.Counter
	nacked           prometheus.Counter
	drained          prometheus.Counter
	inFlight         prometheus.Gauge

	messagesReceived *prometheus.CounterVec
	commits          *prometheus.CounterVec
	commitFailures   *prometheus.CounterVec
}

// NewCollector creates an AckCollector registered against a fresh registry.
func NewCollector(namespace string) *AckCollector {
	if namespace == "" {
		namespace = "ackflow"
	}
	reg := prometheus.NewRegistry()
	c := &AckCollector{
		registry: reg,
		envelopesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_emitted_total",
			Help:      "Envelopes emitted downstream by publishers.",
		}),
		envelopesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_added_total",
			Help:      "Envelopes added to acknowledgement queues.",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_acked_total",
			Help:      "Envelopes positively acknowledged.",
		}),
		nacked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_nacked_total",
			Help:      "Envelopes negatively acknowledged.",
		}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_drained_total",
			Help:      "Envelope callbacks executed by queue drain passes.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "envelopes_in_flight",
			Help:      "Envelopes emitted or enqueued but not yet executed.",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_messages_received_total",
			Help:      "Messages received from brokers.",
		}, []string{"broker", "topic"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_commits_total",
			Help:      "Broker-side commit operations performed.",
		}, []string{"broker", "topic"}),
		commitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_commit_failures_total",
			Help:      "Broker-side commit operations that failed.",
		}, []string{"broker", "topic"}),
	}
	reg.MustRegister(
		c.envelopesEmitted, c.envelopesAdded, c.acked, c.nacked, c.drained,
		c.inFlight, c.messagesReceived, c.commits, c.commitFailures,
	)
	return c
}

// Handler returns an HTTP handler serving the collector's registry.
func (c *AckCollector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// EnvelopeEmitted records one envelope emitted by a publisher.
func (c *AckCollector) EnvelopeEmitted() {
	if c == nil {
		return
	}
	c.envelopesEmitted.Inc()
	c.inFlight.Inc()
}

// EnvelopeAdded records one envelope added to a queue.
func (c *AckCollector) EnvelopeAdded() {
	if c == nil {
		return
	}
	c.envelopesAdded.Inc()
	c.inFlight.Inc()
}

// Acked records one positive acknowledgement.
func (c *AckCollector) Acked() {
	if c == nil {
		return
	}
	c.acked.Inc()
	c.inFlight.Dec()
}

// Nacked records one negative acknowledgement.
func (c *AckCollector) Nacked() {
	if c == nil {
		return
	}
	c.nacked.Inc()
	c.inFlight.Dec()
}

// Drained records n envelope callbacks executed by a drain pass.
func (c *AckCollector) Drained(n uint64) {
	if c == nil {
		return
	}
	c.drained.Add(float64(n))
	c.inFlight.Sub(float64(n))
}

// MessageReceived records one message received from a broker.
func (c *AckCollector) MessageReceived(broker, topic string) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(broker, topic).Inc()
}

// Commit records one broker-side commit.
func (c *AckCollector) Commit(broker, topic string) {
	if c == nil {
		return
	}
	c.commits.WithLabelValues(broker, topic).Inc()
}

// CommitFailure records one failed broker-side commit.
func (c *AckCollector) CommitFailure(broker, topic string) {
	if c == nil {
		return
	}
	c.commitFailures.WithLabelValues(broker, topic).Inc()
}
