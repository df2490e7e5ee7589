package logging

import (
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger's handler and level
// from the daemon's observability.logging config section, called once at
// startup after config/flag overrides are resolved.
// format: "text" (default) or "json" (for collection by a log pipeline)
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	opLogger.Store(logger)
}

// OpWithTrace returns the operational logger annotated with the active
// OpenTelemetry trace/span IDs, so a log line for one RDMA READ can be
// correlated with its span in internal/observability. traceID and spanID
// are injected as attributes when available.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}
