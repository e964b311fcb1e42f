/*
Package metrics provides Prometheus metrics collection and exposition for Docflow.

The metrics package defines and registers all Docflow metrics using the
Prometheus client library, providing observability into event flow, workflow
execution, log ingestion, and API performance. Metrics are exposed via HTTP
endpoint for scraping by Prometheus servers.

# Architecture

Docflow's metrics system instruments every stage of the document pipeline:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (pending events)     │          │
	│  │  Counter: Monotonic increases (appends)     │          │
	│  │  Histogram: Distributions (node latency)    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Events: Appends, claims, completions       │          │
	│  │  Watcher: Notifications, overflows          │          │
	│  │  Reconciler: Cycle duration, skips          │          │
	│  │  Runs: Status counts, active gauge          │          │
	│  │  Nodes: Executions, duration by type        │          │
	│  │  Logs: Ingested, dropped, flushed, pruned   │          │
	│  │  API: Request count, duration, auth, rate   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  │  - Stores time series data                  │          │
	│  │  - Provides PromQL query interface          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: events by status, documents total, active runs
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: events appended total, logs ingested total
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Buckets for latency percentiles (p50, p95, p99)
  - Examples: node execution duration, API request duration

Collector:
  - Background goroutine polling the event store and engine
  - Updates snapshot gauges every 15 seconds
  - Started by the daemon, stopped on shutdown

Health Tracker:
  - Component health registration and lookup
  - Readiness requires eventstore, logsink, and api healthy
  - Serves /health, /ready, and /live endpoints

# Metric Categories

Event store metrics track the durable queue:

	docflow_events_appended_total{source, kind}  Counter of appended events
	docflow_events_coalesced_total               Counter of debounce merges
	docflow_events_claimed_total                 Counter of claimed events
	docflow_events_completed_total{outcome}      Counter of completions
	docflow_events_released_total                Counter of stale releases
	docflow_events_by_status{status}             Gauge of events per status
	docflow_documents_total                      Gauge of document records

Watcher metrics track filesystem notification flow:

	docflow_watcher_notifications_total{op}      Counter of raw notifications
	docflow_watcher_overflows_total              Counter of overflow signals

Reconciler metrics track drift repair:

	docflow_reconciliation_cycles_total          Counter of completed passes
	docflow_reconciliation_duration_seconds      Histogram of pass duration
	docflow_reconciliation_skipped_total         Counter of backpressure skips
	docflow_reconciliation_synthesized_total     Counter of synthetic events

Trigger metrics track event routing:

	docflow_trigger_matches_total{workflow_id}   Counter of routed events
	docflow_triggers_disabled                    Gauge of refused triggers

Workflow metrics track run and node execution:

	docflow_runs_total{status}                   Counter of finished runs
	docflow_runs_active                          Gauge of in-flight runs
	docflow_node_executions_total{node_type, status}
	docflow_node_execution_duration_seconds{node_type}

Log pipeline metrics track ingestion and retention:

	docflow_logs_ingested_total                  Counter of accepted entries
	docflow_logs_dropped_total                   Counter of ring overflow drops
	docflow_logs_flushed_total                   Counter of persisted entries
	docflow_log_flush_duration_seconds           Histogram of flush latency
	docflow_logs_archived_total                  Counter of compressed entries
	docflow_logs_pruned_total                    Counter of deleted entries

API metrics track the HTTP surface:

	docflow_api_requests_total{method, status}   Counter of requests
	docflow_api_request_duration_seconds{method} Histogram of latency
	docflow_auth_failures_total{reason}          Counter of 401/403 outcomes
	docflow_rate_limited_total                   Counter of 429 responses

# Usage

Updating metrics from components:

	// Counter increment with labels
	metrics.EventsAppendedTotal.WithLabelValues("watcher", "created").Inc()

	// Gauge set
	metrics.RunsActive.Set(float64(active))

	// Histogram timing
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

Exposing the metrics endpoint:

	mux.Handle("/metrics", metrics.Handler())

Registering component health:

	metrics.RegisterComponent("eventstore", true, "")
	metrics.RegisterComponent("logsink", false, "database not open")

Starting the snapshot collector:

	collector := metrics.NewCollector(store, engine)
	collector.Start()
	defer collector.Stop()

# Label Discipline

Labels are bounded to avoid cardinality explosions. Paths, document IDs, run
IDs, and messages never appear as label values. The only labels used are
closed enumerations: event source and kind, completion outcome, run and node
status, node type, HTTP method, response status class, and auth failure
reason.

# Integration

Prometheus scrape configuration:

	scrape_configs:
	  - job_name: 'docflow'
	    static_configs:
	      - targets: ['localhost:8088']
	    metrics_path: '/metrics'
	    scrape_interval: 15s

Example alerting rules:

	groups:
	  - name: docflow
	    rules:
	      - alert: EventBacklogGrowing
	        expr: docflow_events_by_status{status="pending"} > 10000
	        for: 15m

	      - alert: LogRingDropping
	        expr: rate(docflow_logs_dropped_total[5m]) > 0

	      - alert: ReconcilerStalled
	        expr: increase(docflow_reconciliation_cycles_total[2h]) == 0
*/
package metrics
