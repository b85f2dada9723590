package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/blecentral/model"
)

// EngineCollector exposes connection engine metrics. It satisfies
// central.Metrics; every method is safe on a nil collector.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	TasksTotal           *prometheus.CounterVec
	TaskDuration         *prometheus.HistogramVec
	QueueDepth           prometheus.Gauge
	InFlight             prometheus.Gauge
	StateTransitions     *prometheus.CounterVec
	Peripherals          *prometheus.GaugeVec
	Directives           *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
}

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	tasks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_tasks_total",
		Help: "Transport tasks that finished, labeled by operation kind and result.",
	}, []string{"kind", "result"}), "ble_tasks_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ble_task_duration_seconds",
		Help:    "Time tasks spent in flight on the transport.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"}), "ble_task_duration_seconds")
	if err != nil {
		return nil, err
	}

	depth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ble_queue_depth",
		Help: "Tasks waiting behind an in-flight task.",
	}), "ble_queue_depth")
	if err != nil {
		return nil, err
	}

	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ble_tasks_in_flight",
		Help: "Tasks currently handed to the transport.",
	}), "ble_tasks_in_flight")
	if err != nil {
		return nil, err
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_state_transitions_total",
		Help: "Peripheral state transitions.",
	}, []string{"from", "to"}), "ble_state_transitions_total")
	if err != nil {
		return nil, err
	}

	peripherals, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ble_peripherals",
		Help: "Known peripherals by connection state.",
	}, []string{"state"}), "ble_peripherals")
	if err != nil {
		return nil, err
	}

	directives, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_policy_directives_total",
		Help: "Reconnect policy answers, labeled by question and action.",
	}, []string{"question", "action"}), "ble_policy_directives_total")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ble_notifications_dropped_total",
		Help: "State notifications dropped for slow subscribers.",
	}), "ble_notifications_dropped_total")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:             gathererFor(reg),
		TasksTotal:           tasks,
		TaskDuration:         duration,
		QueueDepth:           depth,
		InFlight:             inFlight,
		StateTransitions:     transitions,
		Peripherals:          peripherals,
		Directives:           directives,
		NotificationsDropped: dropped,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a /metrics handler over the collector's gatherer.
func (c *EngineCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// TaskFinished records one finished task.
func (c *EngineCollector) TaskFinished(kind model.OpKind, result string, inFlight time.Duration) {
	if c == nil {
		return
	}
	c.TasksTotal.WithLabelValues(kind.String(), result).Inc()
	if inFlight > 0 {
		c.TaskDuration.WithLabelValues(kind.String()).Observe(inFlight.Seconds())
	}
}

// QueueChanged updates the queue gauges.
func (c *EngineCollector) QueueChanged(pending, inFlight int) {
	if c == nil {
		return
	}
	c.QueueDepth.Set(float64(pending))
	c.InFlight.Set(float64(inFlight))
}

// StateTransition counts one transition.
func (c *EngineCollector) StateTransition(from, to model.State) {
	if c == nil {
		return
	}
	c.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// PeripheralStates replaces the per-state peripheral counts.
func (c *EngineCollector) PeripheralStates(counts map[model.State]int) {
	if c == nil {
		return
	}
	for state, n := range counts {
		c.Peripherals.WithLabelValues(state.String()).Set(float64(n))
	}
}

// Directive counts one policy answer.
func (c *EngineCollector) Directive(question, action string) {
	if c == nil {
		return
	}
	c.Directives.WithLabelValues(question, action).Inc()
}

// IncNotificationsDropped counts one dropped notification.
func (c *EngineCollector) IncNotificationsDropped() {
	if c == nil {
		return
	}
	c.NotificationsDropped.Inc()
}
