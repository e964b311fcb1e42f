package nodehost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
)

// ErrUnknownType is returned when a workflow names a node type no processor
// was registered for.
var ErrUnknownType = errors.New("unknown node type")

// Request carries one node invocation from the engine to a processor.
type Request struct {
	RunID    string
	NodeID   string
	NodeType string
	Config   map[string]any
	Inputs   map[string]any
}

// Result is the invocation envelope. Success carries Outputs keyed by
// output port; failure carries the error message and whether a retry could
// help. Processors never return Go errors to the engine, everything funnels
// through this envelope.
type Result struct {
	Success   bool           `json:"success"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     string         `json:"error,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// Succeed builds a success envelope.
func Succeed(outputs map[string]any) Result {
	return Result{Success: true, Outputs: outputs}
}

// Fail builds a failure envelope. Retryability comes from the error:
// only transient-wrapped errors are retryable.
func Fail(err error) Result {
	return Result{
		Success:   false,
		Error:     err.Error(),
		Retryable: IsTransient(err),
	}
}

// Failf builds a permanent failure envelope from a format string.
func Failf(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// TransientError marks a failure worth retrying: downstream 5xx, a busy
// disk, a tripped breaker. The engine's retry loop honors the mark.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so Fail produces a retryable envelope.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err carries the transient mark.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Processor executes one node type. Implementations must respect ctx: the
// engine carries the node timeout and run cancellation through it.
type Processor interface {
	Process(ctx context.Context, req Request, logger zerolog.Logger) Result
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, req Request, logger zerolog.Logger) Result

// Process calls fn.
func (fn ProcessorFunc) Process(ctx context.Context, req Request, logger zerolog.Logger) Result {
	return fn(ctx, req, logger)
}

// Host maps node types to processors and runs invocations inside a
// recovery boundary. Registration happens at startup; Invoke is safe for
// concurrent use.
type Host struct {
	mu         sync.RWMutex
	processors map[string]Processor
	logger     zerolog.Logger
}

// New creates an empty host.
func New() *Host {
	return &Host{
		processors: make(map[string]Processor),
		logger:     log.WithComponent("nodehost"),
	}
}

// Register installs a processor for a node type. Duplicate registration is
// an error so a typo cannot silently shadow a builtin.
func (h *Host) Register(nodeType string, p Processor) error {
	if nodeType == "" {
		return fmt.Errorf("register: empty node type")
	}
	if p == nil {
		return fmt.Errorf("register %s: nil processor", nodeType)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.processors[nodeType]; exists {
		return fmt.Errorf("register %s: already registered", nodeType)
	}
	h.processors[nodeType] = p
	return nil
}

// Has reports whether a processor is registered for the node type. The
// workflow registry consults this when validating definitions.
func (h *Host) Has(nodeType string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.processors[nodeType]
	return ok
}

// Types returns the registered node types, sorted.
func (h *Host) Types() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.processors))
	for t := range h.processors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Invoke runs the processor for req.NodeType. Panics are recovered into
// failure envelopes and never reach the engine. The processor receives a
// logger tagged with the run, node and document so its output lands in the
// sink already correlated.
func (h *Host) Invoke(ctx context.Context, req Request) (res Result) {
	h.mu.RLock()
	p, ok := h.processors[req.NodeType]
	h.mu.RUnlock()

	if !ok {
		return Failf("%s: %q", ErrUnknownType, req.NodeType)
	}

	logger := h.invocationLogger(req)
	timer := metrics.NewTimer()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Processor panicked")
			res = Failf("processor panic: %v", r)
		}
		timer.ObserveDurationVec(metrics.NodeExecutionDuration, req.NodeType)
		status := "succeeded"
		if !res.Success {
			status = "failed"
		}
		metrics.NodeExecutionsTotal.WithLabelValues(req.NodeType, status).Inc()
	}()

	return p.Process(ctx, req, logger)
}

// invocationLogger tags the component logger with the invocation identity.
// The document id rides along when the inputs carry one, either directly or
// inside a payload-bound "event" port.
func (h *Host) invocationLogger(req Request) zerolog.Logger {
	lc := h.logger.With().
		Str("run_id", req.RunID).
		Str("node_id", req.NodeID).
		Str("node_type", req.NodeType)

	if id := documentID(req.Inputs); id != "" {
		lc = lc.Str("document_id", id)
	}
	return lc.Logger()
}

func documentID(inputs map[string]any) string {
	if id, ok := inputs["document_id"].(string); ok {
		return id
	}
	if ev, ok := inputs["event"].(map[string]any); ok {
		if id, ok := ev["document_id"].(string); ok {
			return id
		}
	}
	return ""
}
