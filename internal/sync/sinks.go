package sync

import (
	"log/slog"
)

// LogSink writes every event to the structured log. It is the default
// sink of the standalone daemon, where the log stream is the event feed.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Post implements Sink.
func (s *LogSink) Post(event Event) {
	s.logger.Info("event",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"location_id", event.LocationID,
		"asset", event.AssetKey.String(),
		"serial_number", event.SerialNumber)
}
