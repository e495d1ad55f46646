// Package metrics holds the Prometheus collectors shared by the engine,
// the executor and the message buses. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Fires          *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	Instances      *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	DeadLetters    *prometheus.CounterVec
}

// New builds the collectors under namespace (default "circuit_breaker").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "circuit_breaker"
	}
	return &Metrics{
		Fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_fires_total",
			Help:      "Transition fire attempts by outcome.",
		}, []string{"workflow", "transition", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of tool invocations run by transition actions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "method"}),
		Instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_created_total",
			Help:      "Workflow instances created.",
		}, []string{"workflow"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_deliveries_total",
			Help:      "Bus message deliveries by stream and outcome.",
		}, []string{"stream", "outcome"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dead_letters_total",
			Help:      "Messages that exhausted redelivery.",
		}, []string{"stream"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Fires, m.ActionDuration, m.Instances, m.Deliveries, m.DeadLetters} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveFire(workflow, transition, outcome string) {
	if m == nil {
		return
	}
	m.Fires.WithLabelValues(workflow, transition, outcome).Inc()
}

func (m *Metrics) ObserveAction(tool, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionDuration.WithLabelValues(tool, method).Observe(d.Seconds())
}

func (m *Metrics) InstanceCreated(workflow string) {
	if m == nil {
		return
	}
	m.Instances.WithLabelValues(workflow).Inc()
}

func (m *Metrics) ObserveDelivery(stream, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(stream, outcome).Inc()
}

func (m *Metrics) DeadLetter(stream string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(stream).Inc()
}
