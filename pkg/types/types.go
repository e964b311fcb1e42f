package types

import (
	"time"
)

// EventSource identifies the component that produced an event.
type EventSource string

const (
	SourceWatcher    EventSource = "watcher"
	SourceReconciler EventSource = "reconciler"
	SourceAPI        EventSource = "api"
)

// EventKind classifies a filesystem transition.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
	EventMoved    EventKind = "moved"
	EventExisting EventKind = "existing"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventModified, EventDeleted, EventMoved, EventExisting:
		return true
	}
	return false
}

// ClaimPriority orders kinds for dispatch. Lower values are claimed first:
// deletes before moves before modifications before creates before backfills.
func (k EventKind) ClaimPriority() byte {
	switch k {
	case EventDeleted:
		return 0
	case EventMoved:
		return 1
	case EventModified:
		return 2
	case EventCreated:
		return 3
	case EventExisting:
		return 4
	default:
		return 5
	}
}

// EventStatus represents the processing state of an event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventInFlight  EventStatus = "in_flight"
	EventDone      EventStatus = "done"
	EventFailed    EventStatus = "failed"
	EventAbandoned EventStatus = "abandoned"
)

// Terminal reports whether the status is immutable.
func (s EventStatus) Terminal() bool {
	return s == EventDone || s == EventAbandoned
}

// Valid reports whether s is a known event status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventInFlight, EventDone, EventFailed, EventAbandoned:
		return true
	}
	return false
}

// Event is a single observed or synthesized filesystem transition.
// (path, status=in_flight) is a singleton: at most one handler owns an
// event for a given path at any instant.
type Event struct {
	ID          string      `json:"event_id"`
	Source      EventSource `json:"source"`
	Kind        EventKind   `json:"kind"`
	Path        string      `json:"path"`
	PrevPath    string      `json:"prev_path,omitempty"`
	SizeBytes   int64       `json:"size_bytes,omitempty"`
	ModTime     *time.Time  `json:"mtime,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
	DocumentID  string      `json:"document_id,omitempty"`
	DetectedAt  time.Time   `json:"detected_at"`
	Status      EventStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	Owner       string      `json:"owner,omitempty"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

// DocumentRecord tracks one logical document across filesystem, event
// history, and vector index. document_id is deterministic for a given
// canonical path, so the same file always maps to the same record.
type DocumentRecord struct {
	DocumentID       string     `json:"document_id"`
	CurrentPath      string     `json:"current_path"`
	FileName         string     `json:"file_name"`
	ContentHash      string     `json:"content_hash,omitempty"`
	IndexedAt        *time.Time `json:"indexed_at,omitempty"`
	VectorCollection string     `json:"vector_collection,omitempty"`
	ChunkCount       int        `json:"chunk_count,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Workflow is a static DAG of processor nodes with declared inputs,
// outputs, and triggers.
type Workflow struct {
	ID               string     `json:"workflow_id" yaml:"workflow_id"`
	Name             string     `json:"name" yaml:"name"`
	Nodes            []*Node    `json:"nodes" yaml:"nodes"`
	Edges            []*Edge    `json:"edges,omitempty" yaml:"edges"`
	Triggers         []*Trigger `json:"triggers,omitempty" yaml:"triggers"`
	MaxParallelNodes int        `json:"max_parallel_nodes,omitempty" yaml:"max_parallel_nodes"`
}

// Node is a unit of work in a workflow, resolved by node_type against
// the processor registry.
type Node struct {
	ID              string         `json:"node_id" yaml:"node_id"`
	Type            string         `json:"node_type" yaml:"node_type"`
	Config          map[string]any `json:"config,omitempty" yaml:"config"`
	InputPorts      []InputPort    `json:"input_ports,omitempty" yaml:"input_ports"`
	OutputPorts     []string       `json:"output_ports,omitempty" yaml:"output_ports"`
	TimeoutMs       int            `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	MaxAttempts     int            `json:"max_attempts,omitempty" yaml:"max_attempts"`
	ContinueOnError bool           `json:"continue_on_error,omitempty" yaml:"continue_on_error"`
	Idempotent      bool           `json:"idempotent,omitempty" yaml:"idempotent"`
}

// InputPort declares a named input of a node. Optional ports bind null
// when no edge or payload value supplies them.
type InputPort struct {
	Name     string `json:"name" yaml:"name"`
	Optional bool   `json:"optional,omitempty" yaml:"optional"`
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	FromNode string `json:"from_node" yaml:"from_node"`
	FromPort string `json:"from_port" yaml:"from_port"`
	ToNode   string `json:"to_node" yaml:"to_node"`
	ToPort   string `json:"to_port" yaml:"to_port"`
}

// Trigger binds (source, kind, conditions) to a workflow entry node.
// Source may be "*" to match events from any producer.
type Trigger struct {
	ID         string       `json:"trigger_id" yaml:"trigger_id"`
	Source     string       `json:"source" yaml:"source"`
	Kind       EventKind    `json:"kind" yaml:"kind"`
	TargetNode string       `json:"target_node" yaml:"target_node"`
	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions"`
	Enabled    *bool        `json:"enabled,omitempty" yaml:"enabled"`
}

// IsEnabled reports whether the trigger participates in routing.
// Triggers are enabled unless explicitly disabled.
func (t *Trigger) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// ConditionOp is the comparison operator of a trigger condition.
type ConditionOp string

const (
	OpEq     ConditionOp = "eq"
	OpNe     ConditionOp = "ne"
	OpLt     ConditionOp = "lt"
	OpLte    ConditionOp = "lte"
	OpGt     ConditionOp = "gt"
	OpGte    ConditionOp = "gte"
	OpPrefix ConditionOp = "prefix"
	OpRegex  ConditionOp = "regex"
)

// Condition is one predicate over event fields.
type Condition struct {
	Field string      `json:"field" yaml:"field"`
	Op    ConditionOp `json:"op" yaml:"op"`
	Value any         `json:"value" yaml:"value"`
}

// RunStatus represents the overall state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// NodeStatus represents the state of one node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Run is one execution of one workflow for one trigger.
type Run struct {
	ID                 string                `json:"run_id"`
	WorkflowID         string                `json:"workflow_id"`
	TriggeredByEventID string                `json:"triggered_by_event_id,omitempty"`
	StartedAt          time.Time             `json:"started_at"`
	FinishedAt         *time.Time            `json:"finished_at,omitempty"`
	Status             RunStatus             `json:"status"`
	NodeStates         map[string]*NodeState `json:"node_states"`
	TriggerPayload     map[string]any        `json:"trigger_payload,omitempty"`
}

// NodeState carries the execution state of one node within a run.
type NodeState struct {
	Status     NodeStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// LogLevel is the severity of a log entry. lifecycle is a distinct level
// used for state-transition records (event abandoned, archive written);
// it is never folded into info.
type LogLevel string

const (
	LevelDebug     LogLevel = "debug"
	LevelInfo      LogLevel = "info"
	LevelWarning   LogLevel = "warning"
	LevelError     LogLevel = "error"
	LevelCritical  LogLevel = "critical"
	LevelLifecycle LogLevel = "lifecycle"
)

// Valid reports whether l is a known log level.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical, LevelLifecycle:
		return true
	}
	return false
}

// LogEntry is one structured telemetry record. Context carries the
// correlation fields (document_id, file_name, file_hash, run_id).
type LogEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"received_at"`
	Project    string         `json:"project"`
	Level      LogLevel       `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// APIKey authorizes access to the HTTP surface. AllowedProjects scopes
// log reads and writes; the single element "*" grants every project.
type APIKey struct {
	KeyID           string     `json:"key_id"`
	Secret          string     `json:"secret"`
	Name            string     `json:"name"`
	AllowedProjects []string   `json:"allowed_projects"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Expired reports whether the key is past its expiry. Keys without an
// expiry never expire.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// AllowsProject reports whether the key may touch the given project.
func (k *APIKey) AllowsProject(project string) bool {
	for _, p := range k.AllowedProjects {
		if p == "*" || p == project {
			return true
		}
	}
	return false
}
