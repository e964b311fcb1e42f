package logsink

import (
	"encoding/json"
	"time"

	"github.com/cuemby/docflow/pkg/types"
)

// mirrorProject is the project the daemon's own logs land under.
const mirrorProject = "docflow"

// MirrorWriter adapts the sink to io.Writer so it can hang off the
// logger's mirror output. Each Write is one zerolog JSON line. Only
// warning-and-above and lifecycle records are kept; the sink's own
// component is skipped to break the feedback loop. Write never fails:
// a logging tee must not take down the logger.
type MirrorWriter struct {
	sink *Sink
}

// NewMirrorWriter creates a mirror feeding sink.
func NewMirrorWriter(sink *Sink) *MirrorWriter {
	return &MirrorWriter{sink: sink}
}

// correlation keys lifted from mirrored fields into the entry context so
// the extracted columns populate for the daemon's own logs.
var mirrorContextKeys = map[string]struct{}{
	"document_id": {},
	"file_name":   {},
	"file_hash":   {},
	"run_id":      {},
}

func (w *MirrorWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}

	component, _ := fields["component"].(string)
	if component == "logsink" {
		return len(p), nil
	}

	level, keep := mirrorLevel(fields)
	if !keep {
		return len(p), nil
	}

	entry := &types.LogEntry{
		Project: mirrorProject,
		Level:   level,
		Module:  component,
		Message: "",
	}
	if entry.Module == "" {
		entry.Module = "daemon"
	}
	if msg, ok := fields["message"].(string); ok {
		entry.Message = msg
	}
	if raw, ok := fields["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.Timestamp = ts.UTC()
		}
	}

	for k, v := range fields {
		switch k {
		case "level", "time", "message", "component", "lifecycle":
			continue
		}
		if _, isContext := mirrorContextKeys[k]; isContext {
			if entry.Context == nil {
				entry.Context = map[string]any{}
			}
			entry.Context[k] = v
			continue
		}
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details[k] = v
	}

	// Mirror failures are dropped silently; reporting them here would
	// re-enter the logger.
	_, _ = w.sink.Submit(entry)
	return len(p), nil
}

// mirrorLevel maps a zerolog line to a sink level. Lifecycle records are
// tagged with a boolean field because zerolog has no custom levels.
func mirrorLevel(fields map[string]any) (types.LogLevel, bool) {
	if flag, ok := fields["lifecycle"].(bool); ok && flag {
		return types.LevelLifecycle, true
	}
	level, _ := fields["level"].(string)
	switch level {
	case "warn":
		return types.LevelWarning, true
	case "error":
		return types.LevelError, true
	case "fatal", "panic":
		return types.LevelCritical, true
	default:
		return "", false
	}
}
