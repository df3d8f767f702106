// Package metrics exposes Prometheus metrics for the registry and the agent.
package metrics

import (
	"net/http"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tidyup"

// Metrics holds every collector. The same type serves both binaries; each
// only increments the series it produces.
type Metrics struct {
	gatherer prometheus.Gatherer

	PairingsCompleted prometheus.Counter
	Heartbeats        prometheus.Counter
	JobsEnqueued      *prometheus.CounterVec
	JobsClaimed       prometheus.Counter
	RunStatus         *prometheus.CounterVec
	CommandsQueued    *prometheus.CounterVec

	Operations       *prometheus.CounterVec
	OperationErrors  *prometheus.CounterVec
	AgentTicks       *prometheus.CounterVec
	TickDuration     prometheus.Histogram
	ProposalsCreated prometheus.Counter
	RuntimeState     *prometheus.GaugeVec
}

// NewPrometheusMetrics creates and registers all collectors on reg.
func NewPrometheusMetrics(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		gatherer: reg,
		PairingsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_completed_total",
			Help:      "Pairing sessions exchanged for a device token.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Device heartbeats accepted.",
		}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Cleanup jobs queued by trigger.",
		}, []string{"trigger"}),
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Cleanup jobs handed to a device.",
		}),
		RunStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_status_changes_total",
			Help:      "Run status changes by new status.",
		}, []string{"status"}),
		CommandsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_queued_total",
			Help:      "Mailbox commands queued by kind.",
		}, []string{"kind"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_operations_total",
			Help:      "Execution and rollback attempts by operation and result.",
		}, []string{"operation", "result"}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_operation_errors_total",
			Help:      "Failed execution and rollback attempts by error code.",
		}, []string{"code"}),
		AgentTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "ticks_total",
			Help:      "Sync agent poll ticks by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tick_duration_seconds",
			Help:      "Duration of sync agent poll ticks.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		ProposalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "proposals_created_total",
			Help:      "Proposals generated by local runs.",
		}),
		RuntimeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runtime_state",
			Help:      "1 for the current sync runtime state, 0 otherwise.",
		}, []string{"state"}),
	}

	collectors := []prometheus.Collector{
		m.PairingsCompleted, m.Heartbeats, m.JobsEnqueued, m.JobsClaimed, m.RunStatus, m.CommandsQueued,
		m.Operations, m.OperationErrors, m.AgentTicks, m.TickDuration, m.ProposalsCreated, m.RuntimeState,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// PairingCompleted implements registry.Recorder.
func (m *Metrics) PairingCompleted() { m.PairingsCompleted.Inc() }

// HeartbeatReceived implements registry.Recorder.
func (m *Metrics) HeartbeatReceived() { m.Heartbeats.Inc() }

// JobEnqueued implements registry.Recorder.
func (m *Metrics) JobEnqueued(trigger models.TriggerKind) {
	m.JobsEnqueued.WithLabelValues(string(trigger)).Inc()
}

// JobClaimed implements registry.Recorder.
func (m *Metrics) JobClaimed() { m.JobsClaimed.Inc() }

// RunStatusChanged implements registry.Recorder.
func (m *Metrics) RunStatusChanged(status models.RunStatus) {
	m.RunStatus.WithLabelValues(string(status)).Inc()
}

// CommandQueued implements registry.Recorder.
func (m *Metrics) CommandQueued(kind models.CommandKind) {
	m.CommandsQueued.WithLabelValues(string(kind)).Inc()
}

// ObserveExecution implements execution.Observer.
func (m *Metrics) ObserveExecution(op models.OperationKind, success bool, code models.ErrorCode) {
	result := "success"
	if !success {
		result = "failure"
		if code == "" {
			code = models.CodeExecutionFailed
		}
		m.OperationErrors.WithLabelValues(string(code)).Inc()
	}
	m.Operations.WithLabelValues(string(op), result).Inc()
}

// RecordTick records one sync agent tick.
func (m *Metrics) RecordTick(result string, seconds float64) {
	m.AgentTicks.WithLabelValues(result).Inc()
	m.TickDuration.Observe(seconds)
}

// RecordProposals adds n generated proposals.
func (m *Metrics) RecordProposals(n int) {
	m.ProposalsCreated.Add(float64(n))
}

// SetRuntimeState marks state as the current runtime state among states.
func (m *Metrics) SetRuntimeState(state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.RuntimeState.WithLabelValues(s).Set(v)
	}
}
