package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event pipeline metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_events_appended_total",
			Help: "Total number of events appended to the store by source and kind",
		},
		[]string{"source", "kind"},
	)

	EventsCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_events_coalesced_total",
			Help: "Total number of events coalesced into an existing pending event",
		},
	)

	EventsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_events_claimed_total",
			Help: "Total number of events handed to handlers",
		},
	)

	EventsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_events_completed_total",
			Help: "Total number of event completions by outcome",
		},
		[]string{"outcome"},
	)

	EventsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_events_released_total",
			Help: "Total number of stale in-flight events released back to the queue",
		},
	)

	EventsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docflow_events_by_status",
			Help: "Current number of events by status",
		},
		[]string{"status"},
	)

	DocumentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docflow_documents_total",
			Help: "Total number of tracked document records",
		},
	)

	// Watcher metrics
	WatcherNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_watcher_notifications_total",
			Help: "Raw filesystem notifications by operation",
		},
		[]string{"op"},
	)

	WatcherOverflowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_watcher_overflows_total",
			Help: "Watcher channel overflows that forced a reconciliation",
		},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_reconciliation_cycles_total",
			Help: "Total number of completed reconciliation passes",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docflow_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_reconciliation_skipped_total",
			Help: "Reconciliation passes skipped due to queue backpressure",
		},
	)

	ReconciliationSynthesizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_reconciliation_synthesized_total",
			Help: "Synthetic events appended by reconciliation, by kind",
		},
		[]string{"kind"},
	)

	// Trigger router metrics
	TriggerMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_trigger_matches_total",
			Help: "Total number of events routed to a workflow, by workflow",
		},
		[]string{"workflow_id"},
	)

	TriggersDisabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docflow_triggers_disabled",
			Help: "Triggers refused at compile time and excluded from routing",
		},
	)

	// Workflow engine metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_runs_total",
			Help: "Total number of finished workflow runs by status",
		},
		[]string{"status"},
	)

	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docflow_runs_active",
			Help: "Number of workflow runs currently executing",
		},
	)

	NodeExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_node_executions_total",
			Help: "Total number of node executions by node type and status",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docflow_node_execution_duration_seconds",
			Help:    "Node execution duration in seconds by node type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node_type"},
	)

	// Log sink metrics
	LogsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_logs_ingested_total",
			Help: "Total number of log entries accepted into the ring",
		},
	)

	LogsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_logs_dropped_total",
			Help: "Total number of log entries dropped from a full ring",
		},
	)

	LogsFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_logs_flushed_total",
			Help: "Total number of log entries persisted by the flusher",
		},
	)

	LogFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docflow_log_flush_duration_seconds",
			Help:    "Duration of log flush batches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LogsArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_logs_archived_total",
			Help: "Total number of log entries moved into archive segments",
		},
	)

	LogsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_logs_pruned_total",
			Help: "Total number of live log entries removed by retention",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docflow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_auth_failures_total",
			Help: "Authentication failures by reason",
		},
		[]string{"reason"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_rate_limited_total",
			Help: "Requests rejected by per-key rate limiting",
		},
	)

	// Supervisor metrics
	TaskRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_task_restarts_total",
			Help: "Background task restarts after a panic or error, by task",
		},
		[]string{"task"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(EventsCoalescedTotal)
	prometheus.MustRegister(EventsClaimedTotal)
	prometheus.MustRegister(EventsCompletedTotal)
	prometheus.MustRegister(EventsReleasedTotal)
	prometheus.MustRegister(EventsByStatus)
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(WatcherNotificationsTotal)
	prometheus.MustRegister(WatcherOverflowsTotal)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationSkippedTotal)
	prometheus.MustRegister(ReconciliationSynthesizedTotal)
	prometheus.MustRegister(TriggerMatchesTotal)
	prometheus.MustRegister(TriggersDisabled)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsActive)
	prometheus.MustRegister(NodeExecutionsTotal)
	prometheus.MustRegister(NodeExecutionDuration)
	prometheus.MustRegister(LogsIngestedTotal)
	prometheus.MustRegister(LogsDroppedTotal)
	prometheus.MustRegister(LogsFlushedTotal)
	prometheus.MustRegister(LogFlushDuration)
	prometheus.MustRegister(LogsArchivedTotal)
	prometheus.MustRegister(LogsPrunedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(TaskRestartsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
