// Package status defines the single-slot indicator the session manager
// drives between busy and ready display states.
package status

import "go.uber.org/zap"

// Sink receives display-state transitions. Only the notification handlers
// of the currently active session drive it; calls carry the server's
// opaque payload as detail text.
type Sink interface {
	Busy(detail string)
	Ready(detail string)
}

// LogSink reports status transitions through a structured logger. It is
// the default sink for headless operation.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a logging status sink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Busy implements Sink.
func (s *LogSink) Busy(detail string) {
	s.log.Info("analysis server busy", zap.String("detail", detail))
}

// Ready implements Sink.
func (s *LogSink) Ready(detail string) {
	s.log.Info("analysis server ready", zap.String("detail", detail))
}

var _ Sink = (*LogSink)(nil)
