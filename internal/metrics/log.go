package metrics

import "log/slog"

// LogSink writes step events to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "metrics")}
}

func (s *LogSink) OnStepStart(stepID string) {
	s.logger.Debug("step started", "step_id", stepID)
}

func (s *LogSink) OnStepEnd(stepID string, success bool, errMsg string) {
	if success {
		s.logger.Debug("step finished", "step_id", stepID, "success", true)
		return
	}
	s.logger.Debug("step finished", "step_id", stepID, "success", false, "error", errMsg)
}
