package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// Mirror, when set, receives every event as a raw JSON line in
	// addition to the primary output. The log sink uses this to fold
	// process logs into the queryable store.
	Mirror io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Console output still mirrors raw JSON: ConsoleWriter formats its
	// own copy while the mirror sees the unformatted event.
	var primary io.Writer = output
	if !cfg.JSONOutput {
		primary = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	writer := primary
	if cfg.Mirror != nil {
		writer = zerolog.MultiLevelWriter(primary, cfg.Mirror)
	}

	Logger = zerolog.New(writer).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Lifecycle returns an event marked as a lifecycle audit record. Lifecycle
// records trace state transitions of documents and events. The sink stores
// them under the lifecycle level, distinct from severity levels, so audit
// queries are not polluted by operational noise.
func Lifecycle(component string) *zerolog.Event {
	return Logger.Info().Bool("lifecycle", true).Str("component", component)
}

// WithRunID creates a child logger with run_id field
func WithRunID(runID string) zerolog.Logger {
	return Logger.With().Str("run_id", runID).Logger()
}

// WithDocumentID creates a child logger with document_id field
func WithDocumentID(documentID string) zerolog.Logger {
	return Logger.With().Str("document_id", documentID).Logger()
}

// WithWorkflowID creates a child logger with workflow_id field
func WithWorkflowID(workflowID string) zerolog.Logger {
	return Logger.With().Str("workflow_id", workflowID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
