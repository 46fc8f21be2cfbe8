package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	evalDurationBuckets   = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	replayDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	scanSizeBuckets       = []float64{1, 10, 100, 1000, 10000}
)

// Metrics holds all Prometheus metric instruments for the engine and the
// test replayer.
type Metrics struct {
	// Workflow evaluation metrics
	TransitionsTotal     *prometheus.CounterVec
	TraceEntriesTotal    *prometheus.CounterVec
	PerformDuration      *prometheus.HistogramVec
	ConditionErrorsTotal *prometheus.CounterVec
	ChainLimitHitsTotal  *prometheus.CounterVec

	// Trigger metrics
	TimeoutScansTotal        *prometheus.CounterVec
	TimeoutScanRecords       prometheus.Histogram
	TimeoutJumpsTotal        *prometheus.CounterVec
	GlobalActionFiringsTotal *prometheus.CounterVec

	// Replay metrics
	ReplaysTotal           *prometheus.CounterVec
	ReplayDuration         prometheus.Histogram
	ReplayActionsTotal     *prometheus.CounterVec
	AssertionFailuresTotal *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Workflow evaluation
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_transitions_total",
			Help: "Total number of status transitions.",
		}, []string{"workflow_id", "status_id"}),
		TraceEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_trace_entries_total",
			Help: "Total number of workflow trace entries recorded.",
		}, []string{"workflow_id", "event"}),
		PerformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowtrace_perform_duration_seconds",
			Help:    "Workflow evaluation pass duration in seconds.",
			Buckets: evalDurationBuckets,
		}, []string{"workflow_id"}),
		ConditionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_condition_errors_total",
			Help: "Total number of condition evaluation errors treated as not satisfied.",
		}, []string{"workflow_id"}),
		ChainLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_chain_limit_hits_total",
			Help: "Total number of evaluation passes aborted by the jump chain limit.",
		}, []string{"workflow_id"}),

		// Triggers
		TimeoutScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_timeout_scans_total",
			Help: "Total number of timeout scan passes.",
		}, []string{"workflow_id"}),
		TimeoutScanRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowtrace_timeout_scan_records",
			Help:    "Number of records examined per timeout scan pass.",
			Buckets: scanSizeBuckets,
		}),
		TimeoutJumpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_timeout_jumps_total",
			Help: "Total number of timeout jumps fired.",
		}, []string{"workflow_id", "status_id"}),
		GlobalActionFiringsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_global_action_firings_total",
			Help: "Total number of global action firings.",
		}, []string{"workflow_id", "global_action_id", "trigger_kind"}),

		// Replay
		ReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_replays_total",
			Help: "Total number of test replays.",
		}, []string{"workflow_id", "result"}),
		ReplayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowtrace_replay_duration_seconds",
			Help:    "Test replay duration in seconds.",
			Buckets: replayDurationBuckets,
		}),
		ReplayActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_replay_actions_total",
			Help: "Total number of test actions executed.",
		}, []string{"key", "result"}),
		AssertionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_assertion_failures_total",
			Help: "Total number of assertion failures by action key.",
		}, []string{"key"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowtrace_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		// Workflow evaluation
		m.TransitionsTotal,
		m.TraceEntriesTotal,
		m.PerformDuration,
		m.ConditionErrorsTotal,
		m.ChainLimitHitsTotal,
		// Triggers
		m.TimeoutScansTotal,
		m.TimeoutScanRecords,
		m.TimeoutJumpsTotal,
		m.GlobalActionFiringsTotal,
		// Replay
		m.ReplaysTotal,
		m.ReplayDuration,
		m.ReplayActionsTotal,
		m.AssertionFailuresTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordTransition records a status transition.
func (m *Metrics) RecordTransition(workflowID, statusID string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(workflowID, statusID).Inc()
}

// RecordTraceEntry records a workflow trace entry.
func (m *Metrics) RecordTraceEntry(workflowID, event string) {
	if m == nil {
		return
	}
	m.TraceEntriesTotal.WithLabelValues(workflowID, event).Inc()
}

// RecordPerform records the duration of one evaluation pass.
func (m *Metrics) RecordPerform(workflowID string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PerformDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordConditionError records a condition evaluation error.
func (m *Metrics) RecordConditionError(workflowID string) {
	if m == nil {
		return
	}
	m.ConditionErrorsTotal.WithLabelValues(workflowID).Inc()
}

// RecordChainLimitHit records an evaluation pass aborted by the chain limit.
func (m *Metrics) RecordChainLimitHit(workflowID string) {
	if m == nil {
		return
	}
	m.ChainLimitHitsTotal.WithLabelValues(workflowID).Inc()
}

// RecordTimeoutScan records a timeout scan pass.
func (m *Metrics) RecordTimeoutScan(workflowID string, records int) {
	if m == nil {
		return
	}
	m.TimeoutScansTotal.WithLabelValues(workflowID).Inc()
	m.TimeoutScanRecords.Observe(float64(records))
}

// RecordTimeoutJump records a fired timeout jump.
func (m *Metrics) RecordTimeoutJump(workflowID, statusID string) {
	if m == nil {
		return
	}
	m.TimeoutJumpsTotal.WithLabelValues(workflowID, statusID).Inc()
}

// RecordGlobalActionFiring records a global action firing.
func (m *Metrics) RecordGlobalActionFiring(workflowID, globalActionID, triggerKind string) {
	if m == nil {
		return
	}
	m.GlobalActionFiringsTotal.WithLabelValues(workflowID, globalActionID, triggerKind).Inc()
}

// RecordReplay records a test replay outcome.
func (m *Metrics) RecordReplay(workflowID, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReplaysTotal.WithLabelValues(workflowID, result).Inc()
	m.ReplayDuration.Observe(duration.Seconds())
}

// RecordReplayAction records an executed test action.
func (m *Metrics) RecordReplayAction(key, result string) {
	if m == nil {
		return
	}
	m.ReplayActionsTotal.WithLabelValues(key, result).Inc()
}

// RecordAssertionFailure records a failed assertion.
func (m *Metrics) RecordAssertionFailure(key string) {
	if m == nil {
		return
	}
	m.AssertionFailuresTotal.WithLabelValues(key).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded workflow definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
