package logging

import (
	"github.com/rs/zerolog"
)

// EventSink receives diagnostic events keyed by a stable message code.
// Implementations must not block and must never panic into the caller.
type EventSink interface {
	Emit(code string, fields map[string]any)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(string, map[string]any) {}

// LogSink writes events as structured zerolog entries at the given level.
type LogSink struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLogSink wraps logger. Events are written under component=diag.
func NewLogSink(logger zerolog.Logger, level zerolog.Level) *LogSink {
	return &LogSink{
		logger: logger.With().Str("component", "diag").Logger(),
		level:  level,
	}
}

func (s *LogSink) Emit(code string, fields map[string]any) {
	defer func() { _ = recover() }()
	s.logger.WithLevel(s.level).Str("code", code).Fields(fields).Msg("diagnostic event")
}
