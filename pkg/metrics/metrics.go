// Package metrics holds the Prometheus collectors of the engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	triggerMatches   *prometheus.CounterVec
	executionsTotal  *prometheus.CounterVec
	actionsTotal     *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	actionRetries    *prometheus.CounterVec
	activeExecutions prometheus.Gauge
	queueDepth       prometheus.Gauge
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		triggerMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_trigger_matches_total",
				Help: "Executions enqueued, by trigger type",
			},
			[]string{"trigger_type"},
		),
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_executions_total",
				Help: "Execution state changes, by resulting status",
			},
			[]string{"status"},
		),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_actions_total",
				Help: "Action steps recorded in the ledger, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmflow_action_duration_seconds",
				Help:    "Time spent running one action step including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		actionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmflow_action_retries_total",
				Help: "Retried action attempts, by type",
			},
			[]string{"type"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmflow_active_executions",
				Help: "Executions currently held by a worker of this process",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmflow_queue_depth",
				Help: "Execution ids waiting in the dispatch queue",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.triggerMatches,
		m.executionsTotal,
		m.actionsTotal,
		m.actionDuration,
		m.actionRetries,
		m.activeExecutions,
		m.queueDepth,
	}

	for _, collector := range collectors {
		err := registerer.Register(collector)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) TriggerMatched(triggerType models.TriggerType) {
	if m == nil {
		return
	}

	m.triggerMatches.WithLabelValues(string(triggerType)).Inc()
}

func (m *Metrics) ExecutionStatus(status models.ExecutionStatus) {
	if m == nil {
		return
	}

	m.executionsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ActionRecorded(actionType models.ActionType, outcome models.ActionResultStatus, took time.Duration) {
	if m == nil {
		return
	}

	m.actionsTotal.WithLabelValues(string(actionType), string(outcome)).Inc()
	m.actionDuration.WithLabelValues(string(actionType)).Observe(took.Seconds())
}

func (m *Metrics) ActionRetried(actionType models.ActionType) {
	if m == nil {
		return
	}

	m.actionRetries.WithLabelValues(string(actionType)).Inc()
}

func (m *Metrics) ExecutionLeased() {
	if m == nil {
		return
	}

	m.activeExecutions.Inc()
}

func (m *Metrics) ExecutionReleased() {
	if m == nil {
		return
	}

	m.activeExecutions.Dec()
}

func (m *Metrics) QueueDepth(depth int) {
	if m == nil {
		return
	}

	m.queueDepth.Set(float64(depth))
}
