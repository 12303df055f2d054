package emit

import (
	"log/slog"
)

// LogEmitter implements Emitter by writing events through a structured
// slog.Logger.
//
// Node failures are logged at error level, everything else at info.
//
// Usage:
//
//	emitter := emit.NewLogEmitter(slog.Default())
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter backed by the given logger.
// A nil logger falls back to slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit writes the event as a structured log record.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]any, 0, 6+2*len(event.Meta))
	attrs = append(attrs,
		"run_id", event.RunID,
		"step", event.Step,
		"node", event.NodeID,
	)
	for k, v := range event.Meta {
		attrs = append(attrs, k, v)
	}

	if _, failed := event.Meta["error"]; failed {
		l.logger.Error(event.Msg, attrs...)
		return
	}
	l.logger.Info(event.Msg, attrs...)
}
